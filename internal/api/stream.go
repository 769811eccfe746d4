package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/outagewatch/internal/events"
)

// handleEvents streams engine events as server-sent events. ?type= narrows the
// stream to one event type.
func (s *Server) handleEvents(c *gin.Context) {
	t := events.Type(c.DefaultQuery("type", string(events.All)))
	ch, cancel := s.engine.Subscribe(t)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	ctx := c.Request.Context()

	// opening comment so clients see the stream is live
	_, _ = io.WriteString(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			return true
		}
	})
}
