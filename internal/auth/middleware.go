package auth

import (
	"crypto/subtle"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/pactum-labs/pactum/internal/logging"
)

const (
	// ContextKeyActor is the key for storing the Actor in gin context
	ContextKeyActor = "actor"

	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware reads the gateway headers and stores the Actor in context.
// Requests without a valid identity pass through unauthenticated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := ParseActor(c.GetHeader(HeaderActorID), c.GetHeader(HeaderActorRole))
		if err == nil {
			c.Set(ContextKeyActor, actor)
			c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), actor.ID))
		}
		c.Next()
	}
}

// RequireActor rejects requests without an actor identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor identity required. Requests must pass through the auth gateway.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Actor identity required.",
			})
			return
		}
		if !slices.Contains(roles, actor.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Role " + string(actor.Role) + " may not perform this action.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin allows admin actors, or any caller presenting secret in
// X-Admin-Secret. An empty secret disables the header check.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor, ok := GetActor(c); ok && actor.IsAdmin() {
			c.Next()
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminSecret)), []byte(secret)) == 1 {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// GetActor returns the actor from context (if authenticated)
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
