package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/reqctx"
	"github.com/feedmesh/pricefeed/internal/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is one inbound WS message.
type clientFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// serverFrame is one outbound WS message for control responses (data
// frames published through the broker are forwarded as raw bytes
// instead, since they are already marshaled domain.Observation JSON).
type serverFrame struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleStream upgrades the connection and runs the subscribe/unsubscribe
// protocol until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	requestID := reqctx.RequestID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sess, err := s.subs.Open()
	if err != nil {
		_ = conn.WriteJSON(serverFrame{Type: "error", Message: err.Error()})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSubscriptionSessions.Inc()
	}
	defer func() {
		s.subs.Close(sess)
		if s.metrics != nil {
			s.metrics.ActiveSubscriptionSessions.Dec()
		}
	}()

	// The session outlives the global request timeout, so its context keeps
	// the request's values but not its deadline.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go s.subs.RunHeartbeat(ctx, sess)
	go forwardToClient(conn, sess)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "subscribe":
			for _, sym := range frame.Symbols {
				if !domain.ValidSymbol(sym) {
					_ = conn.WriteJSON(serverFrame{Type: "error", Symbol: sym, Message: "symbol must match ^[A-Z]{2,}/[A-Z]{2,}$"})
					continue
				}
				if err := s.subs.Subscribe(ctx, sess, sym); err != nil {
					_ = conn.WriteJSON(serverFrame{Type: "error", Symbol: sym, Message: err.Error()})
					continue
				}
				_ = conn.WriteJSON(serverFrame{Type: "subscribed", Symbol: sym})
			}
		case "unsubscribe":
			for _, sym := range frame.Symbols {
				s.subs.Unsubscribe(sess, sym)
				_ = conn.WriteJSON(serverFrame{Type: "unsubscribed", Symbol: sym})
			}
		case "ping":
			_ = conn.WriteJSON(serverFrame{Type: "pong"})
		default:
			_ = conn.WriteJSON(serverFrame{Type: "error", Message: "unrecognized message type"})
		}
	}
}

// forwardToClient copies every message the session's broker subscriptions
// deliver (including heartbeat frames) onto the WS connection, in the
// order they were enqueued onto sess.Updates.
func forwardToClient(conn *websocket.Conn, sess *subscription.Session) {
	for payload := range sess.Updates {
		if err := conn.WriteMessage(websocket.TextMessage, wrapPriceUpdate(payload)); err != nil {
			return
		}
	}
}

// wrapPriceUpdate re-tags a raw cached/published observation payload as a
// price_update frame without re-marshaling the observation itself.
// Heartbeat frames are already fully formed and pass through unchanged.
func wrapPriceUpdate(payload []byte) []byte {
	if isHeartbeat(payload) {
		return payload
	}
	out, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: "price_update", Data: payload})
	if err != nil {
		return payload
	}
	return out
}

func isHeartbeat(payload []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Type == "pong"
}
