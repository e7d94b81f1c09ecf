package auth

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Profile selects how callers authenticate.
type Profile string

// Authentication profiles.
const (
	// ProfileDev trusts X-Tenant-ID / X-User-ID headers. For local
	// development only.
	ProfileDev Profile = "dev"
	// ProfileJWT requires a bearer token with embedded tenant/user claims.
	ProfileJWT Profile = "jwt"
)

// ProfileFromEnv reads AUTH_PROFILE, defaulting to the development profile.
func ProfileFromEnv() Profile {
	if p := os.Getenv("AUTH_PROFILE"); p != "" {
		return Profile(p)
	}
	return ProfileDev
}

// Middleware returns the gin middleware for the chosen profile. validator is
// required for ProfileJWT and ignored otherwise.
func Middleware(profile Profile, validator *JWTValidator) gin.HandlerFunc {
	switch profile {
	case ProfileJWT:
		return jwtMiddleware(validator)
	default:
		return devMiddleware()
	}
}

// devMiddleware extracts identity from proxy headers.
// X-Agent-ID identifies an agent caller for assigned_to routing.
func devMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Tenant-ID header"})
			return
		}
		id := Identity{
			TenantID: tenantID,
			UserID:   c.GetHeader("X-User-ID"),
			AgentID:  c.GetHeader("X-Agent-ID"),
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func jwtMiddleware(validator *JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{
			TenantID: claims.TenantID,
			UserID:   claims.UserID,
			AgentID:  claims.AgentID,
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// MustIdentity fetches the identity from a gin request context, aborting
// with 401 when absent. Handlers call this instead of trusting request
// bodies for tenant or user scope.
func MustIdentity(c *gin.Context) (Identity, bool) {
	id, ok := FromContext(c.Request.Context())
	if !ok || id.TenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return Identity{}, false
	}
	return id, true
}
