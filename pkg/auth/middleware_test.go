package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(profile Profile) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(profile, nil))
	r.GET("/whoami", func(c *gin.Context) {
		id, ok := FromContext(c.Request.Context())
		require.True(c, ok)
		c.JSON(http.StatusOK, gin.H{
			"tenant_id": id.TenantID,
			"user_id":   id.UserID,
			"agent_id":  id.AgentID,
		})
	})
	return r
}

func TestDevProfile(t *testing.T) {
	router := newTestRouter(ProfileDev)

	t.Run("extracts identity from headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-Tenant-ID", "t1")
		req.Header.Set("X-User-ID", "u1")
		req.Header.Set("X-Agent-ID", "worker:1.0.0")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"tenant_id":"t1","user_id":"u1","agent_id":"worker:1.0.0"}`, w.Body.String())
	})

	t.Run("rejects missing tenant header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("user is optional", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("X-Tenant-ID", "t1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestJWTProfileRejectsMissingToken(t *testing.T) {
	router := newTestRouter(ProfileJWT)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(t.Context(), Identity{TenantID: "t1", UserID: "u1"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t1", id.TenantID)

	_, ok = FromContext(t.Context())
	assert.False(t, ok)
}
