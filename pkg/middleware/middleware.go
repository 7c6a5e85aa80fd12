package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/auth"
	"github.com/ksred/klear-liquidity/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	adminLimit    = rate.Limit(60.0 / 60.0)   // 60 requests per minute
	internalLimit = rate.Limit(6000.0 / 60.0) // 6000 requests per minute
	apiLimit      = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/admin"):
		return adminLimit, 5
	case strings.HasPrefix(path, "/api/v1/internal"):
		return internalLimit, 50
	case strings.HasPrefix(path, "/api/v1"):
		return apiLimit, 20
	}
	return rate.Inf, 1
}

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("operatorID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator validates a bearer token
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid operator token and stores its claims in the context
func JWTAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) {
			return
		}
		c.Next()
	}
}

// RequirePermission must run after JWTAuth
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorize(c, permission) {
			return
		}
		c.Next()
	}
}

// InternalAuth guards endpoints used by balance collectors and connector
// webhooks. For now they authenticate with an operator token carrying the
// internal permission.
func InternalAuth(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticate(c, tokens) || !authorize(c, auth.PermissionInternal) {
			return
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, tokens TokenValidator) bool {
	bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header")
		c.Abort()
		return false
	}

	claims, err := tokens.ValidateToken(bearerToken[1])
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return false
	}
	if claims.OperatorID == "" {
		response.Unauthorized(c, "Missing required claim: operator_id")
		c.Abort()
		return false
	}

	c.Set("claims", claims)
	c.Set("operatorID", claims.OperatorID)
	return true
}

func authorize(c *gin.Context, permission string) bool {
	value, ok := c.Get("claims")
	claims, isClaims := value.(*auth.Claims)
	if !ok || !isClaims {
		response.Unauthorized(c, "Authentication required")
		c.Abort()
		return false
	}
	if !auth.HasPermission(claims, permission) {
		response.Forbidden(c, "Missing permission: "+permission)
		c.Abort()
		return false
	}
	return true
}
