package views

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sseEventSignal    = "signal"
	sseEventHeartbeat = "heartbeat"
)

// handleSignals streams the caller's success and error signals as server-sent events.
func (h *httpHandler) handleSignals(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	stream, cleanup := h.signals.Subscribe(ctx, userID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(sseEventHeartbeat, gin.H{"at": time.Now().UTC()})
	c.Writer.Flush()

	h.logger.Debug("signal stream opened", zap.String("user_id", userID))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case signal, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(sseEventSignal, signal)
			return true
		case at := <-ticker.C:
			c.SSEvent(sseEventHeartbeat, gin.H{"at": at.UTC()})
			return true
		}
	})
	h.logger.Debug("signal stream closed", zap.String("user_id", userID))
}
