// Package relay is the reference signaling server: a WebSocket fan-out
// that pairs two participants per room and forwards their messages
// verbatim. It inspects only the room membership messages; SDP, ICE, and
// everything else pass through untouched.
package relay

import (
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/signal"
)

// inbound pairs a raw frame with the client that sent it.
type inbound struct {
	client *Client
	data   []byte
}

// Hub manages all rooms. A single Run goroutine owns every piece of
// state, so rooms and clients need no locking.
type Hub struct {
	logger *zap.Logger

	rooms      map[string]*room
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("relay"),
		rooms:      make(map[string]*room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
	}
}

// Run processes registrations, disconnects, and messages until the
// process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.logger.Info("client connected", zap.String("addr", client.conn.RemoteAddr().String()))

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.inbound:
			h.route(msg.client, msg.data)
		}
	}
}

// route forwards a frame. Membership messages update the hub's state
// first; anything else goes straight to the room's other member.
func (h *Hub) route(client *Client, data []byte) {
	msg, err := signal.Decode(data)
	if err != nil {
		h.logger.Warn("dropping undecodable frame",
			zap.String("addr", client.conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case signal.JoinRoom:
		h.joinRoom(client, m, data)
	case signal.LeaveRoom:
		h.leaveRoom(client, data)
	default:
		h.forward(client, msg.Room(), data)
	}
}

func (h *Hub) joinRoom(client *Client, m signal.JoinRoom, data []byte) {
	if client.roomID != "" {
		h.logger.Warn("client already in a room",
			zap.String("room", client.roomID), zap.String("requested", m.RoomID))
		return
	}

	r, ok := h.rooms[m.RoomID]
	if !ok {
		r = &room{id: m.RoomID}
		h.rooms[m.RoomID] = r
	}

	if r.full() {
		h.logger.Info("rejecting third participant",
			zap.String("room", m.RoomID), zap.String("user", m.User))
		h.send(client, signal.RoomFull{RoomID: m.RoomID})
		return
	}

	r.add(client)
	client.roomID = m.RoomID
	client.user = m.User
	h.logger.Info("participant joined",
		zap.String("room", m.RoomID), zap.String("user", m.User),
		zap.Int("members", len(r.members)))

	// The first participant learns about the second through this
	// broadcast and opens the negotiation.
	for _, peer := range r.others(client) {
		peer.enqueue(data)
	}
}

func (h *Hub) leaveRoom(client *Client, data []byte) {
	r, ok := h.rooms[client.roomID]
	if !ok || !r.contains(client) {
		return
	}
	for _, peer := range r.others(client) {
		peer.enqueue(data)
	}
	h.removeFromRoom(client, r)
}

// forward relays a frame to the other member of the sender's room.
func (h *Hub) forward(client *Client, roomID string, data []byte) {
	if client.roomID == "" || client.roomID != roomID {
		h.logger.Warn("frame for a room the client is not in",
			zap.String("in", client.roomID), zap.String("addressed", roomID))
		return
	}
	r, ok := h.rooms[client.roomID]
	if !ok {
		return
	}
	for _, peer := range r.others(client) {
		peer.enqueue(data)
	}
}

// dropClient handles a disconnect. If the client never sent leave-room,
// one is synthesized so the peer still observes the departure.
func (h *Hub) dropClient(client *Client) {
	defer close(client.send)

	r, ok := h.rooms[client.roomID]
	if !ok || !r.contains(client) {
		h.logger.Info("client disconnected", zap.String("addr", client.conn.RemoteAddr().String()))
		return
	}

	h.logger.Info("participant disconnected",
		zap.String("room", client.roomID), zap.String("user", client.user))
	for _, peer := range r.others(client) {
		h.send(peer, signal.LeaveRoom{User: client.user, RoomID: client.roomID})
	}
	h.removeFromRoom(client, r)
}

func (h *Hub) removeFromRoom(client *Client, r *room) {
	r.remove(client)
	client.roomID = ""
	if len(r.members) == 0 {
		delete(h.rooms, r.id)
		h.logger.Info("room closed", zap.String("room", r.id))
	}
}

func (h *Hub) send(client *Client, m signal.Message) {
	data, err := signal.Encode(m)
	if err != nil {
		h.logger.Error("encoding relay message", zap.Error(err))
		return
	}
	client.enqueue(data)
}
