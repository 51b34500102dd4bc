package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"artifactchat/internal/util"
	"artifactchat/pkg/delta"
	"artifactchat/pkg/resumable"
	"artifactchat/pkg/sse"
)

func isNoStream(err error) bool {
	return errors.Is(err, resumable.ErrResumeNotFound)
}

type next struct {
	d   delta.Delta
	err error
}

// streamDeltas writes the subscription as server-sent events until it ends or
// the client goes away. The client leaving only stops this reader; the
// production run continues.
func (s *Server) streamDeltas(w http.ResponseWriter, r *http.Request, sub resumable.Subscription) {
	logger := util.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("sse flush unsupported", "err", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	items := make(chan next)
	go func() {
		defer close(items)
		for {
			d, err := sub.Next(ctx)
			select {
			case items <- next{d: d, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.WriteComment(w, "ping"); err != nil {
				return
			}
			_ = rc.Flush()
		case item, ok := <-items:
			if !ok {
				return
			}
			if item.err != nil {
				if !errors.Is(item.err, io.EOF) && ctx.Err() == nil {
					logger.Warn("stream subscription ended", "err", item.err)
					_ = sse.WriteDelta(w, delta.Delta{Type: delta.TypeError, Content: errorContent(item.err)})
					_ = rc.Flush()
				}
				return
			}
			if err := sse.WriteDelta(w, item.d); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func errorContent(err error) json.RawMessage {
	raw, _ := json.Marshal(delta.ErrorContent{Message: err.Error()})
	return raw
}
