package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/signal"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := NewHub(zap.NewNop())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, m signal.Message) {
	t.Helper()
	data, err := signal.Encode(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) signal.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := signal.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return msg
}

func TestJoinIsBroadcastToFirstMember(t *testing.T) {
	url := startRelay(t)

	first := dial(t, url)
	sendMsg(t, first, signal.JoinRoom{User: "doc", RoomID: "room-42"})

	second := dial(t, url)
	sendMsg(t, second, signal.JoinRoom{User: "pat", RoomID: "room-42"})

	msg := readMsg(t, first)
	join, ok := msg.(signal.JoinRoom)
	if !ok {
		t.Fatalf("first member got %q, want join-room", msg.Kind())
	}
	if join.User != "pat" {
		t.Fatalf("join-room user = %q, want pat", join.User)
	}
}

func TestThirdParticipantGetsRoomFull(t *testing.T) {
	url := startRelay(t)

	first := dial(t, url)
	sendMsg(t, first, signal.JoinRoom{User: "doc", RoomID: "room-42"})
	second := dial(t, url)
	sendMsg(t, second, signal.JoinRoom{User: "pat", RoomID: "room-42"})
	readMsg(t, first) // pat's join broadcast

	third := dial(t, url)
	sendMsg(t, third, signal.JoinRoom{User: "intruder", RoomID: "room-42"})

	msg := readMsg(t, third)
	if msg.Kind() != signal.TypeRoomFull {
		t.Fatalf("third participant got %q, want room-full", msg.Kind())
	}
	if msg.Room() != "room-42" {
		t.Fatalf("room-full for room %q, want room-42", msg.Room())
	}
}

func TestFramesForwardOnlyToPeer(t *testing.T) {
	url := startRelay(t)

	first := dial(t, url)
	sendMsg(t, first, signal.JoinRoom{User: "doc", RoomID: "room-42"})
	second := dial(t, url)
	sendMsg(t, second, signal.JoinRoom{User: "pat", RoomID: "room-42"})
	readMsg(t, first)

	sendMsg(t, first, signal.SDPOffer{SDP: "offer-sdp", UUID: "session-a", RoomID: "room-42"})

	msg := readMsg(t, second)
	offer, ok := msg.(signal.SDPOffer)
	if !ok {
		t.Fatalf("peer got %q, want sdp-offer", msg.Kind())
	}
	if offer.SDP != "offer-sdp" || offer.UUID != "session-a" {
		t.Fatalf("forwarded offer = %+v, mangled in transit", offer)
	}

	// The sender must not receive its own frame back.
	first.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("sender received its own frame")
	}
}

func TestDisconnectSynthesizesLeaveRoom(t *testing.T) {
	url := startRelay(t)

	first := dial(t, url)
	sendMsg(t, first, signal.JoinRoom{User: "doc", RoomID: "room-42"})
	second := dial(t, url)
	sendMsg(t, second, signal.JoinRoom{User: "pat", RoomID: "room-42"})
	readMsg(t, first)

	// pat drops without sending leave-room
	second.Close()

	msg := readMsg(t, first)
	leave, ok := msg.(signal.LeaveRoom)
	if !ok {
		t.Fatalf("remaining member got %q, want leave-room", msg.Kind())
	}
	if leave.User != "pat" || leave.RoomID != "room-42" {
		t.Fatalf("synthesized leave-room = %+v, want user pat in room-42", leave)
	}
}

func TestRoomSlotReopensAfterLeave(t *testing.T) {
	url := startRelay(t)

	first := dial(t, url)
	sendMsg(t, first, signal.JoinRoom{User: "doc", RoomID: "room-42"})
	second := dial(t, url)
	sendMsg(t, second, signal.JoinRoom{User: "pat", RoomID: "room-42"})
	readMsg(t, first)

	sendMsg(t, second, signal.LeaveRoom{User: "pat", RoomID: "room-42"})
	if msg := readMsg(t, first); msg.Kind() != signal.TypeLeaveRoom {
		t.Fatalf("first member got %q, want leave-room", msg.Kind())
	}

	// The freed slot accepts a new participant.
	third := dial(t, url)
	sendMsg(t, third, signal.JoinRoom{User: "pat", RoomID: "room-42"})
	if msg := readMsg(t, first); msg.Kind() != signal.TypeJoinRoom {
		t.Fatalf("first member got %q, want join-room for the rejoining peer", msg.Kind())
	}
}
