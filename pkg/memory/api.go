package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/soorma-ai/soorma-core/pkg/auth"
	"github.com/soorma-ai/soorma-core/pkg/database"
	"github.com/soorma-ai/soorma-core/pkg/memory/embedding"
	"github.com/soorma-ai/soorma-core/pkg/version"
)

// API exposes the Memory HTTP surface. The acting user comes from the
// transport context or the user_id query parameter, never from a request
// body.
type API struct {
	service *Service
	db      *database.Client
}

// NewAPI creates the memory API.
func NewAPI(service *Service, db *database.Client) *API {
	return &API{service: service, db: db}
}

// RegisterRoutes mounts the memory endpoints on an authenticated group.
func (a *API) RegisterRoutes(r gin.IRoutes) {
	r.POST("/v1/memory/semantic", a.upsertKnowledge)
	r.GET("/v1/memory/semantic/search", a.searchKnowledge)
	r.DELETE("/v1/memory/semantic/:id", a.deleteKnowledge)

	r.POST("/v1/memory/episodic", a.logInteraction)
	r.GET("/v1/memory/episodic/recent", a.recentInteractions)
	r.GET("/v1/memory/episodic/search", a.searchInteractions)

	r.POST("/v1/memory/procedural", a.saveSkill)
	r.GET("/v1/memory/procedural/context", a.proceduralContext)

	r.PUT("/v1/memory/working/:plan_id/:key", a.setWorking)
	r.GET("/v1/memory/working/:plan_id/:key", a.getWorking)
	r.DELETE("/v1/memory/working/:plan_id/:key", a.deleteWorking)
	r.DELETE("/v1/memory/working/:plan_id", a.deleteWorkingPlan)

	r.POST("/v1/memory/tasks", a.saveTaskContext)
	r.GET("/v1/memory/tasks/by-subtask/:sub_task_id", a.getTaskBySubtask)
	r.GET("/v1/memory/tasks/:task_id", a.getTaskContext)
	r.PATCH("/v1/memory/tasks/:task_id", a.updateTaskContext)
	r.DELETE("/v1/memory/tasks/:task_id", a.deleteTaskContext)

	r.POST("/v1/memory/plan-contexts", a.savePlanContext)
	r.GET("/v1/memory/plan-contexts/by-correlation/:correlation_id", a.getPlanContextByCorrelation)
	r.GET("/v1/memory/plan-contexts/:plan_id", a.getPlanContext)
	r.PATCH("/v1/memory/plan-contexts/:plan_id", a.updatePlanContext)
	r.DELETE("/v1/memory/plan-contexts/:plan_id", a.deletePlanContext)

	r.POST("/v1/plans", a.createPlan)
	r.GET("/v1/plans", a.listPlans)
	r.GET("/v1/plans/:id", a.getPlan)
	r.PUT("/v1/plans/:id/status", a.updatePlanStatus)

	r.POST("/v1/sessions", a.createSession)
	r.GET("/v1/sessions", a.listSessions)
	r.GET("/v1/sessions/:id", a.getSession)
	r.GET("/v1/sessions/:id/plans", a.listSessionPlans)
}

// RegisterHealth mounts the unauthenticated health endpoint.
func (a *API) RegisterHealth(r gin.IRoutes) {
	r.GET("/healthz", a.health)
}

// requestScope resolves the storage scope for a request. The user_id query
// parameter selects the acting user for agents working on a user's behalf;
// it never comes from the body.
func (a *API) requestScope(c *gin.Context) (Scope, bool) {
	id, ok := auth.MustIdentity(c)
	if !ok {
		return Scope{}, false
	}
	scope, err := ScopeFor(id, c.Query("user_id"))
	if err != nil {
		// A missing user is an authentication failure, not a bad request.
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return Scope{}, false
	}
	return scope, true
}

func (a *API) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, embedding.ErrDimensionMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Memory request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (a *API) upsertKnowledge(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var req UpsertKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	result, err := a.service.UpsertKnowledge(c.Request.Context(), scope, &req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	code := http.StatusOK
	if result.Action == ActionCreated {
		code = http.StatusCreated
	}
	c.JSON(code, result)
}

func (a *API) searchKnowledge(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	includePublic := c.DefaultQuery("include_public", "true") == "true"

	rows, err := a.service.SearchKnowledge(c.Request.Context(), scope,
		c.Query("query"), nil, intQuery(c, "top_k"), includePublic)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*SemanticMemory{}
	}
	c.JSON(http.StatusOK, gin.H{"results": rows})
}

func (a *API) deleteKnowledge(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	if err := a.service.DeleteKnowledge(c.Request.Context(), scope, c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) logInteraction(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var req LogInteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	m, err := a.service.LogInteraction(c.Request.Context(), scope, &req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (a *API) recentInteractions(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.RecentInteractions(c.Request.Context(), scope,
		c.Query("agent_id"), intQuery(c, "limit"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*EpisodicMemory{}
	}
	c.JSON(http.StatusOK, gin.H{"interactions": rows})
}

func (a *API) searchInteractions(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.SearchInteractions(c.Request.Context(), scope,
		c.Query("agent_id"), c.Query("query"), nil, intQuery(c, "top_k"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*EpisodicMemory{}
	}
	c.JSON(http.StatusOK, gin.H{"interactions": rows})
}

func (a *API) saveSkill(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var req SaveSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	m, err := a.service.SaveSkill(c.Request.Context(), scope, &req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (a *API) proceduralContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.RelevantSkills(c.Request.Context(), scope,
		c.Query("agent_id"), c.Query("query"), nil, intQuery(c, "top_k"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*ProceduralMemory{}
	}
	c.JSON(http.StatusOK, gin.H{"skills": rows})
}

func (a *API) setWorking(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var value json.RawMessage
	if err := c.ShouldBindJSON(&value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid value: %v", err)})
		return
	}

	m, err := a.service.Storage().SetWorking(c.Request.Context(), scope,
		c.Param("plan_id"), c.Param("key"), value)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *API) getWorking(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	m, err := a.service.Storage().GetWorking(c.Request.Context(), scope,
		c.Param("plan_id"), c.Param("key"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *API) deleteWorking(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	err := a.service.Storage().DeleteWorking(c.Request.Context(), scope,
		c.Param("plan_id"), c.Param("key"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deleteWorkingPlan(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	deleted, err := a.service.Storage().DeleteWorkingPlan(c.Request.Context(), scope, c.Param("plan_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (a *API) saveTaskContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var tc TaskContext
	if err := c.ShouldBindJSON(&tc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid task context: %v", err)})
		return
	}
	if tc.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	out, err := a.service.Storage().SaveTaskContext(c.Request.Context(), scope, &tc)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getTaskContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetTaskContext(c.Request.Context(), scope, c.Param("task_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) updateTaskContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var patch TaskContextPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid patch: %v", err)})
		return
	}

	out, err := a.service.Storage().UpdateTaskContext(c.Request.Context(), scope, c.Param("task_id"), &patch)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) deleteTaskContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	if err := a.service.Storage().DeleteTaskContext(c.Request.Context(), scope, c.Param("task_id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getTaskBySubtask(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetTaskBySubtask(c.Request.Context(), scope, c.Param("sub_task_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) savePlanContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var pc PlanContext
	if err := c.ShouldBindJSON(&pc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid plan context: %v", err)})
		return
	}
	if pc.PlanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan_id is required"})
		return
	}
	if pc.CorrelationID == "" {
		pc.CorrelationID = pc.PlanID
	}

	out, err := a.service.Storage().SavePlanContext(c.Request.Context(), scope, &pc)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getPlanContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetPlanContext(c.Request.Context(), scope, c.Param("plan_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) getPlanContextByCorrelation(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetPlanContextByCorrelation(c.Request.Context(), scope, c.Param("correlation_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) updatePlanContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var patch PlanContextPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid patch: %v", err)})
		return
	}

	out, err := a.service.Storage().UpdatePlanContext(c.Request.Context(), scope, c.Param("plan_id"), &patch)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) deletePlanContext(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	if err := a.service.Storage().DeletePlanContext(c.Request.Context(), scope, c.Param("plan_id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) createPlan(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var p Plan
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid plan: %v", err)})
		return
	}
	if p.PlanID == "" {
		p.PlanID = uuid.New().String()
	}

	out, err := a.service.Storage().CreatePlan(c.Request.Context(), scope, &p)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (a *API) getPlan(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetPlan(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) listPlans(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.Storage().ListPlans(c.Request.Context(), scope,
		c.Query("status"), listLimit(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*Plan{}
	}
	c.JSON(http.StatusOK, gin.H{"plans": rows})
}

func (a *API) updatePlanStatus(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	out, err := a.service.Storage().UpdatePlanStatus(c.Request.Context(), scope, c.Param("id"), req.Status)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) createSession(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	var sess Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid session: %v", err)})
		return
	}
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}

	out, err := a.service.Storage().CreateSession(c.Request.Context(), scope, &sess)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (a *API) getSession(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	out, err := a.service.Storage().GetSession(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) listSessions(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.Storage().ListSessions(c.Request.Context(), scope, listLimit(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (a *API) listSessionPlans(c *gin.Context) {
	scope, ok := a.requestScope(c)
	if !ok {
		return
	}
	rows, err := a.service.Storage().ListSessionPlans(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []*Plan{}
	}
	c.JSON(http.StatusOK, gin.H{"plans": rows})
}

func (a *API) health(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), a.db.Pool())
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status.Status, "version": version.Full(), "database": status})
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

func listLimit(c *gin.Context) int {
	if v := intQuery(c, "limit"); v > 0 {
		return v
	}
	return 50
}
