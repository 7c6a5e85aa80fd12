package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-liquidity/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid operator credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Permissions carried in operator tokens
const (
	PermissionRead     = "read"
	PermissionAuthor   = "author"
	PermissionOverride = "override"
	PermissionInternal = "internal"
)

// AllPermissions is granted to the configured operator
var AllPermissions = []string{PermissionRead, PermissionAuthor, PermissionOverride, PermissionInternal}

// Credentials represents the operator authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	OperatorID  string   `json:"operator_id"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret      string
	permissions []string
}

// Service issues and validates operator tokens
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	accounts  map[string]account // keyed by API key
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       24 * time.Hour,
		accounts:  make(map[string]account),
	}
}

// RegisterCredentials adds an operator account with the given permissions
func (s *Service) RegisterCredentials(apiKey, apiSecret string, permissions ...string) {
	s.accounts[apiKey] = account{secret: apiSecret, permissions: permissions}
}

// GenerateToken generates a JWT for valid credentials. The API key becomes
// the operator id recorded on every override.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	acc, ok := s.accounts[creds.APIKey]
	if !ok || acc.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		OperatorID:  creds.APIKey,
		Permissions: acc.permissions,
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiration and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler exchanges operator credentials for a JWT
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetOperatorID extracts the operator id from token claims. Returns an empty
// string if it is missing.
func GetOperatorID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.OperatorID
	case jwt.MapClaims:
		if id, ok := c["operator_id"].(string); ok {
			return id
		}
	}
	return ""
}

// HasPermission reports whether claims grant permission
func HasPermission(claims *Claims, permission string) bool {
	for _, p := range claims.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
