package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventModifiedFields = "modified-fields"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "datastore"
)

type realtimeMessagePayload struct {
	Position int64                             `json:"position"`
	Fields   map[datastore.Fqid]map[string]any `json:"fields"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// handleSubscribe streams committed positions as server-sent events. The optional
// collections query parameter narrows the stream to a comma separated list of collections.
func (h *httpHandler) handleSubscribe(c *gin.Context) {
	var collections []string
	for _, collection := range strings.Split(c.Query("collections"), ",") {
		collection = strings.TrimSpace(collection)
		if collection == "" {
			continue
		}
		if err := datastore.ValidateCollection(collection); err != nil {
			h.respondError(c, "http.subscribe", err)
			return
		}
		collections = append(collections, collection)
	}

	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, collections...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventModifiedFields, toRealtimePayload(message))
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: now.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func toRealtimePayload(message messaging.Message) realtimeMessagePayload {
	return realtimeMessagePayload{Position: message.Position, Fields: message.Fields}
}
