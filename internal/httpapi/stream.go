package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and pushes run snapshots for the
// connection as they happen. On connect the client first receives the current
// unfinished runs so it never starts from a blind spot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	if s.broadcaster == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "progress streaming disabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	updates, cancel := s.broadcaster.Subscribe(connectionID)
	defer cancel()

	if runs, listErr := s.store.ListUnfinishedRuns(ctx); listErr == nil {
		for _, run := range runs {
			if run.ConnectionID != connectionID {
				continue
			}
			if writeErr := writeSnapshot(ctx, conn, run); writeErr != nil {
				return
			}
		}
	}

	// Drain reads so client close frames and pings are processed; the stream
	// is one-way otherwise.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case <-readDone:
			return
		case run, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := writeSnapshot(ctx, conn, run); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, payload any) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, payload)
}
