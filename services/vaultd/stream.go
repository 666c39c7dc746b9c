package vaultd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"vaultescrow/core/types"
	"vaultescrow/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	backlogLimit   = 500
)

type streamMessage struct {
	Sequence   int64             `json:"sequence,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// handleEventStream upgrades to a websocket and pushes ledger events. An
// optional ?after=<sequence> cursor replays indexed events first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled", "")
		return
	}
	var cursor int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid after cursor", "")
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.streamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	observability.Ledger().StreamOpened()
	defer observability.Ledger().StreamClosed()

	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream terminated", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	updates, cancel := s.feed.Subscribe()
	defer cancel()

	last := cursor
	if cursor > 0 && s.indexer != nil {
		backlog, err := s.indexer.Query(ctx, EventQuery{After: cursor, Limit: backlogLimit})
		if err != nil {
			return err
		}
		for _, evt := range backlog {
			msg := streamMessage{Sequence: evt.Sequence, Type: evt.Type, Attributes: evt.Attributes}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			msg := toStreamMessage(evt)
			if msg.Sequence != 0 && msg.Sequence <= last {
				continue
			}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				return err
			}
			if msg.Sequence > last {
				last = msg.Sequence
			}
		}
	}
}

func toStreamMessage(evt *types.Event) streamMessage {
	msg := streamMessage{Type: evt.Type, Attributes: evt.Attributes}
	if raw := evt.Attr(AttrSequence); raw != "" {
		msg.Sequence, _ = strconv.ParseInt(raw, 10, 64)
	}
	return msg
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
