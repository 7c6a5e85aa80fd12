package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/auth"
)

func newTestRouter(tokens *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	ok := func(c *gin.Context) { c.String(http.StatusOK, c.GetString("operatorID")) }

	router.GET("/read", JWTAuth(tokens), ok)
	router.GET("/admin", JWTAuth(tokens), RequirePermission(auth.PermissionOverride), ok)
	router.GET("/internal", InternalAuth(tokens), ok)
	return router
}

func token(t *testing.T, svc *auth.Service, key string) string {
	t.Helper()
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: key, APISecret: "pw"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok.Token
}

func TestAuthMiddleware(t *testing.T) {
	svc := auth.NewService("test-secret")
	svc.RegisterCredentials("reader", "pw", auth.PermissionRead)
	svc.RegisterCredentials("ops", "pw", auth.AllPermissions...)
	router := newTestRouter(svc)

	reader := token(t, svc, "reader")
	ops := token(t, svc, "ops")

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/read", "", http.StatusUnauthorized},
		{"not bearer", "/read", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "/read", "Bearer abc", http.StatusUnauthorized},
		{"reader reads", "/read", "Bearer " + reader, http.StatusOK},
		{"reader overrides", "/admin", "Bearer " + reader, http.StatusForbidden},
		{"reader internal", "/internal", "Bearer " + reader, http.StatusForbidden},
		{"operator overrides", "/admin", "Bearer " + ops, http.StatusOK},
		{"operator internal", "/internal", "Bearer " + ops, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimitOnAuthEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "10.1.2.3:4000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}
