package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/stream"
)

const heartbeatInterval = 15 * time.Second

// sseWriter frames stream events as `data: <json>` lines. The literal [DONE] frame
// is written for every terminal outcome.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context, sessionID string) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // helpful if behind nginx
	h.Set("X-Session-Id", sessionID)
	c.Status(http.StatusOK)
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) data(payload any) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return err
	}
	return s.raw("data: " + string(bytes.TrimRight(b.Bytes(), "\n")) + "\n\n")
}

func (s *sseWriter) raw(frame string) error {
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) done() error { return s.raw("data: [DONE]\n\n") }

func (s *sseWriter) ping() error { return s.raw(": ping\n\n") }

func (s *sseWriter) event(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventContent:
		return s.data(gin.H{"content": ev.Text})
	case stream.EventError:
		return s.data(gin.H{"error": ev.Text})
	case stream.EventGrading:
		return s.data(gin.H{"grading": gin.H{
			"isCorrect": ev.Grading.IsCorrect,
			"recordId":  ev.Grading.ID,
		}})
	case stream.EventDone:
		return s.done()
	}
	return nil
}

// serveStream relays events until the terminal event or client disconnect.
// On disconnect the coordinator keeps running to persist the partial answer.
func serveStream(c *gin.Context, sessionID string, events <-chan stream.Event) {
	sse, ok := newSSEWriter(c, sessionID)
	if !ok {
		for range events {
		}
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.event(ev); err != nil {
				logger.DebugWithFields("sse write failed", logger.Fields{"session_id": sessionID, "error": err.Error()})
				return
			}
			if ev.Kind == stream.EventDone {
				return
			}
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
