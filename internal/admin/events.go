package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jaaacki/asterisk-api/internal/events"
)

// writeTimeout bounds one event write; a client that cannot keep up is
// disconnected rather than allowed to stall the stream.
const writeTimeout = 5 * time.Second

// handleEvents upgrades to a websocket and streams the event bus. The first
// message is a snapshot of all current calls so subscribers do not need a
// separate GET to establish baseline state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event stream: websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()

	// Subscribe before snapshotting so no event between the two is lost;
	// subscribers must tolerate an event repeating what the snapshot shows.
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	snapshot := events.Event{
		Type:      "snapshot",
		Timestamp: time.Now().UTC(),
		Data:      s.orch.List(),
	}
	if err := writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server closing")
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bus closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("event stream: client write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
