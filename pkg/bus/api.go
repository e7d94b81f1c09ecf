package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soorma-ai/soorma-core/pkg/auth"
	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/database"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/version"
)

// API exposes the Event Bus HTTP surface.
type API struct {
	service *Service
	db      *database.Client
}

// NewAPI creates the bus API.
func NewAPI(service *Service, db *database.Client) *API {
	return &API{service: service, db: db}
}

// RegisterRoutes mounts the bus endpoints on a router group that already
// carries the auth middleware.
func (a *API) RegisterRoutes(r gin.IRoutes) {
	r.POST("/v1/events", a.publishEvent)
	r.GET("/v1/events/stream", a.streamEvents)
	r.POST("/v1/events/ack", a.ackEvent)
}

// RegisterHealth mounts the unauthenticated health endpoint.
func (a *API) RegisterHealth(r gin.IRoutes) {
	r.GET("/healthz", a.health)
}

// publishedEvent is the publish response: the stored envelope as normalized
// by the service, plus its backbone offset.
type publishedEvent struct {
	*envelope.Envelope
	Seq int64 `json:"seq"`
}

// publishEvent handles POST /v1/events.
func (a *API) publishEvent(c *gin.Context) {
	id, ok := auth.MustIdentity(c)
	if !ok {
		return
	}

	var env envelope.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid envelope JSON: %v", err)})
		return
	}

	stored, err := a.service.Publish(c.Request.Context(), id, &env)
	if err != nil {
		a.publishError(c, err)
		return
	}

	c.JSON(http.StatusCreated, publishedEvent{Envelope: stored.Envelope, Seq: stored.Seq})
}

func (a *API) publishError(c *gin.Context, err error) {
	var fieldErr *envelope.FieldError
	switch {
	case errors.As(err, &fieldErr), errors.Is(err, envelope.ErrUnknownTopic):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, backbone.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event backbone unavailable, retry with backoff"})
	default:
		slog.Error("Publish failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// streamEvents handles GET /v1/events/stream: a long-lived SSE stream. The
// first frame is a subscription event carrying the subscription_id clients
// need for acks; each envelope frame carries the event_id as the SSE id so
// clients can resume via Last-Event-ID.
func (a *API) streamEvents(c *gin.Context) {
	id, ok := auth.MustIdentity(c)
	if !ok {
		return
	}

	req := SubscribeRequest{
		Topic:           envelope.Topic(c.Query("topic")),
		EventTypePrefix: c.Query("event_type_prefix"),
		QueueGroup:      c.Query("queue_group"),
		LastEventID:     c.GetHeader("Last-Event-ID"),
	}

	sub, missed, err := a.service.Subscribe(c.Request.Context(), id, req)
	if err != nil {
		if errors.Is(err, envelope.ErrUnknownTopic) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Subscribe failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer a.service.Unsubscribe(sub.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	opened, _ := json.Marshal(gin.H{
		"subscription_id": sub.ID,
		"topic":           sub.Filter.Topic,
		"queue_group":     sub.Filter.QueueGroup,
	})
	writeSSE(c.Writer, "subscription", sub.ID, opened)
	c.Writer.Flush()

	for _, stored := range missed {
		if !writeStored(c.Writer, stored) {
			return
		}
	}
	c.Writer.Flush()

	for {
		select {
		case stored := <-sub.Events():
			if !writeStored(c.Writer, stored) {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-sub.Done():
			return
		}
	}
}

// writeStored frames one envelope as an SSE event. Returns false when the
// client connection is gone.
func writeStored(w io.Writer, stored backbone.StoredEvent) bool {
	data, err := json.Marshal(stored.Envelope)
	if err != nil {
		slog.Error("Failed to marshal envelope for stream", "seq", stored.Seq, "error", err)
		return true
	}
	return writeSSE(w, stored.Envelope.EventType, stored.Envelope.EventID, data)
}

func writeSSE(w io.Writer, event, id string, data []byte) bool {
	_, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event, id, data)
	return err == nil
}

type ackRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
	EventID        string `json:"event_id" binding:"required"`
}

// ackEvent handles POST /v1/events/ack.
func (a *API) ackEvent(c *gin.Context) {
	id, ok := auth.MustIdentity(c)
	if !ok {
		return
	}

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid ack request: %v", err)})
		return
	}

	err := a.service.Ack(c.Request.Context(), id, req.SubscriptionID, req.EventID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case err != nil:
		slog.Error("Ack failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (a *API) health(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), a.db.Pool())
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status.Status,
		"version":       version.Full(),
		"database":      status,
		"subscriptions": a.service.Manager().ActiveSubscriptions(),
	})
}
