package broadcast

import (
	"time"

	"github.com/gorilla/websocket"
)

// Client frames are opaque signals; anything larger is a protocol abuse.
const maxMessageSize = 4 << 10

// Serve joins conn to the hub and relays every text frame it sends until the
// connection closes. It returns once conn has left the hub.
func (h *Hub) Serve(conn *websocket.Conn) error {
	o, err := h.Join(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer h.Leave(o)

	conn.SetReadLimit(maxMessageSize)
	extend := func() {}
	if h.opts.PingInterval > 0 {
		wait := 2 * h.opts.PingInterval
		extend = func() { _ = conn.SetReadDeadline(time.Now().Add(wait)) }
		extend()
		conn.SetPongHandler(func(string) error {
			extend()
			return nil
		})
	}

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("observer read failed", "observer", o.ID, "error", err)
			}
			return nil
		}
		extend()
		if kind != websocket.TextMessage {
			continue
		}
		h.Relay(msg)
	}
}
