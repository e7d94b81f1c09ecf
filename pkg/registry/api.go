package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soorma-ai/soorma-core/pkg/database"
	"github.com/soorma-ai/soorma-core/pkg/envelope"
	"github.com/soorma-ai/soorma-core/pkg/version"
)

// API exposes the Registry HTTP surface.
type API struct {
	service *Service
	db      *database.Client
}

// NewAPI creates the registry API.
func NewAPI(service *Service, db *database.Client) *API {
	return &API{service: service, db: db}
}

// RegisterRoutes mounts the registry endpoints on an authenticated group.
func (a *API) RegisterRoutes(r gin.IRoutes) {
	r.POST("/v1/agents", a.registerAgent)
	r.GET("/v1/agents", a.discoverAgents)
	r.GET("/v1/agents/:id", a.getAgent)
	r.PUT("/v1/agents/:id/heartbeat", a.heartbeat)
	r.DELETE("/v1/agents/:id", a.deregisterAgent)

	r.POST("/v1/events", a.registerEvent)
	r.GET("/v1/events", a.listEvents)
	r.GET("/v1/events/:name", a.getEvent)

	r.POST("/v1/schemas", a.registerSchema)
	r.GET("/v1/schemas/:name", a.getSchema)
}

// RegisterHealth mounts the unauthenticated health endpoint.
func (a *API) RegisterHealth(r gin.IRoutes) {
	r.GET("/healthz", a.health)
}

func (a *API) registerAgent(c *gin.Context) {
	var def AgentDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid agent definition: %v", err)})
		return
	}

	agent, err := a.service.RegisterAgent(c.Request.Context(), &def)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (a *API) getAgent(c *gin.Context) {
	agent, err := a.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// heartbeat returns 200 on success and 404 when the agent is gone, which
// tells the client to re-register.
func (a *API) heartbeat(c *gin.Context) {
	err := a.service.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) deregisterAgent(c *gin.Context) {
	err := a.service.Deregister(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) discoverAgents(c *gin.Context) {
	filter := DiscoverFilter{
		Capability:    c.Query("capability"),
		ConsumesEvent: c.Query("consumes"),
		ProducesEvent: c.Query("produces"),
		TenantScope:   c.Query("tenant_scope"),
	}

	agents, err := a.service.Discover(c.Request.Context(), filter)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (a *API) registerEvent(c *gin.Context) {
	var def EventDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid event definition: %v", err)})
		return
	}

	stored, err := a.service.RegisterEvent(c.Request.Context(), &def)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (a *API) getEvent(c *gin.Context) {
	def, err := a.service.GetEvent(c.Request.Context(), c.Query("tenant_scope"), c.Param("name"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (a *API) listEvents(c *gin.Context) {
	defs, err := a.service.ListEvents(c.Request.Context(), c.Query("tenant_scope"), c.Query("topic"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if defs == nil {
		defs = []*EventDefinition{}
	}
	c.JSON(http.StatusOK, gin.H{"events": defs})
}

func (a *API) registerSchema(c *gin.Context) {
	var schema PayloadSchema
	if err := c.ShouldBindJSON(&schema); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid schema: %v", err)})
		return
	}

	stored, err := a.service.RegisterSchema(c.Request.Context(), &schema)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (a *API) getSchema(c *gin.Context) {
	schema, err := a.service.GetSchema(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schema)
}

func (a *API) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidDefinition), errors.Is(err, envelope.ErrUnknownTopic):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Registry request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (a *API) health(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), a.db.Pool())
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status.Status, "version": version.Full(), "database": status})
}
