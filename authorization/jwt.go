// Package authorization verifies the JWTs issued by the campus account
// service and exposes gin guards for authenticated and admin-only routes.
package authorization

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
	RoleAdmin      = "admin"
)

var ErrMissingSecret = errors.New("authorization: JWT_SECRET is required")

// Identity is the caller as described by the token claims.
type Identity struct {
	ID       uint     `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// NewMiddleware builds a verify-only JWT middleware. Tokens are issued by the
// account service with the same secret; no login endpoint is mounted here.
func NewMiddleware(secret string) (*jwt.GinJWTMiddleware, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "campusbot",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if identity, ok := data.(*Identity); ok {
				return jwt.MapClaims{
					identityKey: identity.ID,
					"username":  identity.Username,
					"roles":     identity.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			return identityFromClaims(jwt.ExtractClaims(c))
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*Identity)
			return ok && identity.ID != 0
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// CurrentIdentity returns the identity attached by the JWT middleware.
func CurrentIdentity(c *gin.Context) (*Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*Identity)
	return identity, ok && identity != nil
}

func identityFromClaims(claims jwt.MapClaims) *Identity {
	username, _ := claims["username"].(string)
	return &Identity{
		ID:       extractUserID(claims),
		Username: username,
		Roles:    extractRoles(claims),
	}
}

func extractUserID(claims jwt.MapClaims) uint {
	if claims == nil {
		return 0
	}
	switch v := claims[identityKey].(type) {
	case float64:
		return uint(v)
	case int64:
		return uint(v)
	case int:
		return uint(v)
	case uint:
		return v
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return uint(parsed)
		}
	}
	return 0
}

func extractRoles(claims jwt.MapClaims) []string {
	if claims == nil {
		return []string{}
	}

	switch raw := claims["roles"].(type) {
	case []string:
		return append([]string{}, raw...)
	case []interface{}:
		roles := make([]string, 0, len(raw))
		for _, role := range raw {
			if name, ok := role.(string); ok {
				roles = append(roles, name)
			}
		}
		return roles
	case string:
		return strings.Split(raw, ",")
	default:
		return []string{}
	}
}
