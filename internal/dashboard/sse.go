package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

const (
	sseHeartbeat = 15 * time.Second
	sseBuffer    = 64 // events queued per client before drops
)

// sseTopics are the bus prefixes streamed to clients.
var sseTopics = []string{
	telegraph.EventMessage,
	telegraph.EventSend,
	telegraph.EventSystem,
	telegraph.EventRequest,
}

// handleEvents streams bus events to the client until it disconnects.
// A slow client loses events rather than stalling the bus.
func (s *server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event feed is disabled"})
		return
	}
	id := uuid.NewString()
	logger := s.logger.With(zap.String("client", id))

	events := make(chan telegraph.Envelope, sseBuffer)
	var offs []func()
	for _, topic := range sseTopics {
		offs = append(offs, s.bus.On(topic, func(e telegraph.Event) {
			select {
			case events <- telegraph.NewEnvelope(e, time.Now()):
			default:
				logger.Debug("sse client lagging, event dropped", zap.String("event", e.Name))
			}
		}))
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", map[string]string{"client_id": id})
	c.Writer.Flush()
	logger.Debug("sse client connected")

	interval := s.heartbeat
	if interval <= 0 {
		interval = sseHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("sse client disconnected")
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case env := <-events:
			writeSSE(c.Writer, env.Name, env)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
