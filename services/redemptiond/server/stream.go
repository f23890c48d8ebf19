package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/notify"
	"repaircoin/services/redemptiond/redemption"
)

const wsWriteTimeout = 10 * time.Second

// streamMessage is one frame on the customer stream. Backlog frames carry
// the sessions pending when the stream opened; update frames carry changes.
type streamMessage struct {
	Type    string           `json:"type"`
	Session *redemption.View `json:"session,omitempty"`
	Event   *notify.Event    `json:"event,omitempty"`
}

// StreamCustomerSessions pushes the customer's session changes over a
// WebSocket until either side closes it.
func (s *Server) StreamCustomerSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	address, err := redemption.NormalizeWallet(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ledger.NormalizeAddress(p.Address) != address {
		forbidden(w)
		return
	}
	// Subscribe before reading the backlog so no change falls in between.
	updates, unsubscribe := s.hub.Subscribe(notify.Filter{CustomerAddress: address})
	defer unsubscribe()

	backlog, err := s.svc.ListForCustomer(r.Context(), address, models.StatusPending)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Streams outlive the server's per-request deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	// Inbound frames are ignored; CloseRead cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, backlog, updates); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.WarnContext(r.Context(), "session stream failed",
				slog.String("customer", address),
				slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, backlog []redemption.View, updates <-chan notify.Event) error {
	for i := range backlog {
		if err := writeFrame(ctx, conn, streamMessage{Type: "backlog", Session: &backlog[i]}); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, streamMessage{Type: "update", Event: &event}); err != nil {
				return err
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
