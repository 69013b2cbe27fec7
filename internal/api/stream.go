package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// KeepAlive is the interval of SSE comment lines on an idle stream.
var KeepAlive = 15 * time.Second

// StreamOutput handles GET /api/v1/tasks/{id}/stream as Server-Sent Events.
//
// Every chunk is an "output" event whose id is the offset just past it, so a
// reconnecting EventSource resumes through Last-Event-ID. Once the output is
// final, a "status" event carries the terminal task and the stream ends.
func (h *REST) StreamOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID: "+strconv.Quote(last))
			return
		}
		since = n
	}

	buf, err := h.svc.Buffer(id)
	if err != nil {
		h.writeErr(r.Context(), w, err)
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout is meant for plain requests
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(KeepAlive)
	defer keepAlive.Stop()

	for {
		// take the channel first, so an append between Since and select
		// is not missed
		changed := buf.Changed()
		slice := buf.Since(since)
		for _, c := range slice.Chunks {
			if err := writeEvent(w, "output", c.End(), NewChunk(c)); err != nil {
				return
			}
		}
		since = slice.Next

		if slice.Final {
			if task, err := h.svc.Status(id); err == nil {
				_ = writeEvent(w, "status", since, task)
			}
			_ = rc.Flush()
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-changed:
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, event string, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
