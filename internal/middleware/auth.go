// Package middleware provides HTTP middleware for the node API.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/confidential_layer/internal/errors"
	internalhttputil "github.com/R3E-Network/confidential_layer/internal/httputil"
	"github.com/R3E-Network/confidential_layer/internal/logging"
)

// Roles understood by the API.
const (
	RoleAdmin   = "admin"
	RoleCaller  = "caller"
	RoleCluster = "cluster"
)

// Claims represents JWT claims
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// StaticToken is a pre-shared bearer token bound to a role.
type StaticToken struct {
	Token string
	Role  string
}

// AuthMiddleware accepts HS256 JWTs signed with a shared secret and
// pre-shared static tokens.
type AuthMiddleware struct {
	secret    []byte
	tokens    []StaticToken
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret []byte, tokens []StaticToken, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	if logger == nil {
		logger = logging.New("auth", "info", "text")
	}

	return &AuthMiddleware{
		secret:    secret,
		tokens:    tokens,
		logger:    logger,
		skipPaths: skip,
	}
}

// Enabled reports whether any credential source is configured.
func (m *AuthMiddleware) Enabled() bool {
	return len(m.secret) > 0 || len(m.tokens) > 0
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := bearer(r)
		if tokenString == "" {
			m.respondError(w, r, errors.Unauthorized("Missing or malformed Authorization header"))
			return
		}

		userID, role, err := m.authenticate(tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), userID)
		if role != "" {
			ctx = logging.WithRole(ctx, role)
		}

		m.logger.WithContext(ctx).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearer extracts a bearer token from the Authorization header, or from
// the access_token query parameter for websocket clients that cannot set
// headers.
func bearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	if websocketUpgrade(r) {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (m *AuthMiddleware) authenticate(token string) (string, string, error) {
	for i, st := range m.tokens {
		if subtle.ConstantTimeCompare([]byte(st.Token), []byte(token)) == 1 {
			return "static-" + strconv.Itoa(i), st.Role, nil
		}
	}
	if len(m.secret) == 0 {
		return "", "", errors.InvalidToken(nil)
	}
	claims, err := m.validateToken(token)
	if err != nil {
		return "", "", err
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return userID, claims.Role, nil
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}

	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireRole rejects requests whose authenticated role is not one of
// roles. Admins pass every check.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetUserRole(r.Context())
			if role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			serviceErr := errors.Forbidden("Insufficient role").WithDetails("required", roles)
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
		})
	}
}
