package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/broadcast"
	"github.com/flintttan/hapi-sub000/internal/middleware"
	"github.com/flintttan/hapi-sub000/internal/outbox"
)

// EventsHandler serves the server-sent-events stream. Each connection gets its
// own bounded outbox, so a stalled reader drops its own backlog and nothing
// else.
type EventsHandler struct {
	Broadcaster     *broadcast.Broadcaster
	Limits          outbox.Limits
	DropLogInterval time.Duration
	Log             *zap.Logger
}

func filterFromQuery(c *gin.Context) (broadcast.Filter, bool) {
	sessionID := c.Query("sessionId")
	machineID := c.Query("machineId")
	if sessionID != "" && machineID != "" {
		return broadcast.Filter{}, false
	}
	switch {
	case sessionID != "":
		return broadcast.Filter{Kind: broadcast.FilterSession, TargetID: sessionID}, true
	case machineID != "":
		return broadcast.Filter{Kind: broadcast.FilterMachine, TargetID: machineID}, true
	}
	return broadcast.Filter{Kind: broadcast.FilterAll}, true
}

func (h *EventsHandler) Serve(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	filter, ok := filterFromQuery(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and machineId are mutually exclusive"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// Immediate comment line so the client knows the stream is live before
	// the first event arrives.
	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	ctx := c.Request.Context()
	batches := make(chan []outbox.Item)

	ob := outbox.New(h.Limits, h.DropLogInterval, h.Log)
	sub := h.Broadcaster.Subscribe(id.Namespace, filter, ob, func(items []outbox.Item) {
		select {
		case batches <- items:
		case <-ctx.Done():
		}
	})
	defer h.Broadcaster.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case items := <-batches:
			for _, it := range items {
				fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", it.Event, it.Payload)
			}
			flusher.Flush()
		}
	}
}
