// Package signaling provides the WebSocket transport to the relay, scoped
// to one room. One channel per session; no reconnection — when the socket
// drops, the session is over.
package signaling

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Channel is a single bidirectional message transport to the relay.
type Channel struct {
	conn   *websocket.Conn
	logger *zap.Logger

	roomID string
	user   string

	incoming chan signal.Message
	outgoing chan []byte
	done     chan struct{}
	closed   atomic.Bool
}

// Open dials the relay and starts the read/write pumps. roomID and user
// identify the session so Close can issue the final leave-room.
func Open(relayURL, roomID, user string, logger *zap.Logger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relayURL, err)
	}

	c := &Channel{
		conn:     conn,
		logger:   logger.Named("signaling"),
		roomID:   roomID,
		user:     user,
		incoming: make(chan signal.Message, 32),
		outgoing: make(chan []byte, 32),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Incoming delivers relay messages in receipt order. The channel is closed
// when the socket drops or Close is called; the consumer treats that as a
// terminal event.
func (c *Channel) Incoming() <-chan signal.Message {
	return c.incoming
}

// Send queues a message for delivery. Sending on a closed or closing
// channel is a no-op with a warning: candidates and status updates racing
// a teardown are expected, not errors.
func (c *Channel) Send(m signal.Message) {
	if c.closed.Load() {
		c.logger.Warn("send on closed channel dropped", zap.String("type", string(m.Kind())))
		return
	}
	data, err := signal.Encode(m)
	if err != nil {
		c.logger.Error("encode outgoing message", zap.Error(err))
		return
	}
	select {
	case c.outgoing <- data:
	case <-c.done:
		c.logger.Warn("send raced channel close, dropped", zap.String("type", string(m.Kind())))
	}
}

// Close sends a best-effort leave-room if the channel is still open, then
// tears the socket down. Safe to call more than once.
func (c *Channel) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if data, err := signal.Encode(signal.LeaveRoom{User: c.user, RoomID: c.roomID}); err == nil {
		select {
		case c.outgoing <- data:
		default:
			c.logger.Warn("outgoing queue full, leave-room not sent")
		}
	}
	close(c.done)
}

func (c *Channel) readPump() {
	defer func() {
		c.closed.Store(true)
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		msg, err := signal.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable relay message", zap.Error(err))
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write to relay failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// flush whatever was queued before the close, the final
			// leave-room included
			for {
				select {
				case data := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
