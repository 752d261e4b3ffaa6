package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"pegledger/core/events"
	"pegledger/core/types"
)

const streamWriteTimeout = 10 * time.Second

// stream relays committed ledger events to websocket clients. Clients may
// narrow the feed with ?type=loans.opened,loans.settled and ?loanId=N.
type stream struct {
	hub    *events.Hub
	logger *slog.Logger
}

func newStream(hub *events.Hub, logger *slog.Logger) *stream {
	return &stream{hub: hub, logger: logger.With(slog.String("component", "stream"))}
}

type streamFilter struct {
	types  map[string]struct{}
	loanID string
}

func parseStreamFilter(r *http.Request) streamFilter {
	filter := streamFilter{loanID: strings.TrimSpace(r.URL.Query().Get("loanId"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		filter.types = make(map[string]struct{})
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.types[t] = struct{}{}
			}
		}
	}
	return filter
}

func (f streamFilter) match(ev *types.Event) bool {
	if len(f.types) > 0 {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	return f.loanID == "" || ev.Attr("loanId") == f.loanID
}

func (s *stream) serve(w http.ResponseWriter, r *http.Request) {
	filter := parseStreamFilter(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are not expected; CloseRead cancels ctx when the client leaves.
	ctx := conn.CloseRead(r.Context())
	if err := s.relay(ctx, conn, filter); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *stream) relay(ctx context.Context, conn *websocket.Conn, filter streamFilter) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				return nil
			}
			if !filter.match(ev) {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev *types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
