package authorization

import (
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

// Guard wraps the JWT middleware with role helpers.
type Guard struct {
	jwt *jwt.GinJWTMiddleware
}

func NewGuard(jwtMiddleware *jwt.GinJWTMiddleware) *Guard {
	if jwtMiddleware == nil {
		return nil
	}
	return &Guard{jwt: jwtMiddleware}
}

// NewGuardFromSecret builds the middleware and the guard in one step.
func NewGuardFromSecret(secret string) (*Guard, error) {
	middleware, err := NewMiddleware(secret)
	if err != nil {
		return nil, err
	}
	return NewGuard(middleware), nil
}

// RequireAuthenticated rejects requests without a valid token. A nil Guard
// rejects everything.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || g.jwt == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return g.jwt.MiddlewareFunc()
}

// RequireAnyRole must run after RequireAuthenticated.
func (g *Guard) RequireAnyRole(roles ...string) gin.HandlerFunc {
	expected := make([]string, 0, len(roles))
	for _, role := range roles {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			expected = append(expected, trimmed)
		}
	}

	if len(expected) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	message := fmt.Sprintf("%s role required", expected[0])
	if len(expected) > 1 {
		message = fmt.Sprintf("one of [%s] roles required", strings.Join(expected, ", "))
	}

	return func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		if len(claims) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		for _, has := range extractRoles(claims) {
			for _, want := range expected {
				if strings.EqualFold(strings.TrimSpace(has), want) {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": message})
	}
}

func (g *Guard) RequireRole(role string) gin.HandlerFunc {
	return g.RequireAnyRole(role)
}

// RequireAdmin chains authentication and the admin role check.
func (g *Guard) RequireAdmin() []gin.HandlerFunc {
	return []gin.HandlerFunc{g.RequireAuthenticated(), g.RequireRole(RoleAdmin)}
}

// IssueToken signs a token for identity. The account service normally
// issues tokens; this is used by the CLI and tests.
func (g *Guard) IssueToken(identity Identity) (string, error) {
	if g == nil || g.jwt == nil {
		return "", ErrMissingSecret
	}
	token, _, err := g.jwt.TokenGenerator(&identity)
	if err != nil {
		return "", fmt.Errorf("authorization: sign token: %w", err)
	}
	return token, nil
}
