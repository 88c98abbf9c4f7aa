package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"
const operatorRoleKey contextKey = "operatorRole"

// JWTConfig holds the operator token configuration
type JWTConfig struct {
	SecretKey string
}

func NewJWTConfig(secretKey string) *JWTConfig {
	if secretKey == "" {
		secretKey = "default-secret-key-change-in-production" // Default for development
	}
	return &JWTConfig{SecretKey: secretKey}
}

// Middleware authenticates console operators. Identity comes from the auth
// service as an HMAC JWT with "sub" (operator id) and "role" claims; the
// X-Operator-ID header is a development-only shortcut.
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if operatorID := r.Header.Get("X-Operator-ID"); operatorID != "" {
			ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(c.SecretKey), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "Invalid token claims", http.StatusUnauthorized)
			return
		}

		ctx := r.Context()
		if operatorID, _ := claims["sub"].(string); operatorID != "" {
			ctx = context.WithValue(ctx, operatorIDKey, operatorID)
		}
		if role, _ := claims["role"].(string); role != "" {
			ctx = context.WithValue(ctx, operatorRoleKey, role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OperatorFromToken extracts the operator id from a raw token string, used
// by the WebSocket upgrade path where middleware context is not available.
func (c *JWTConfig) OperatorFromToken(tokenString string) string {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return ""
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	return ""
}

// GetOperatorID extracts the operator id from context
func GetOperatorID(ctx context.Context) string {
	if id, ok := ctx.Value(operatorIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOperatorRole extracts the operator role from context
func GetOperatorRole(ctx context.Context) string {
	if role, ok := ctx.Value(operatorRoleKey).(string); ok {
		return role
	}
	return ""
}
