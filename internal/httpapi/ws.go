package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shipyardhq/sma/internal/bus"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket streams runtime events to one client. Events that arrive
// faster than the client reads are dropped, never buffered unbounded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi.ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	events := make(chan bus.Event, 64)
	s.cfg.Bus.Subscribe(id, func(ev bus.Event) {
		select {
		case events <- ev:
		default: // slow client, drop
		}
	})
	defer s.cfg.Bus.Unsubscribe(id)

	slog.Info("httpapi.ws_connected", "client", id)
	defer slog.Info("httpapi.ws_disconnected", "client", id)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev := <-events:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// The read loop only detects disconnect; clients do not send frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	<-done
}
