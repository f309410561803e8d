package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role mirrors the platform's actor roles as carried in token claims.
type Role string

const (
	RoleClient   Role = "client"
	RoleVendor   Role = "vendor"
	RolePDGAdmin Role = "pdg_admin"
)

// Claims is the authenticated caller identity attached to the request context.
type Claims struct {
	UserID string
	Role   Role
}

type ctxKey int

const (
	ctxKeyClaims ctxKey = iota
	ctxKeyRequestID
)

func claimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(Claims)
	return c, ok
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		id, _ := r.Context().Value(ctxKeyRequestID).(string)
		log.Printf("%s %s %s (%s)", r.Method, r.URL.Path, time.Since(start), id)
	})
}

// authMiddleware verifies the bearer token and attaches caller claims.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
			return
		}
		claims, err := h.verifyToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a subtree to specific roles.
func requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
		})
	}
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("api: missing bearer prefix")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("api: empty token")
	}
	return token, nil
}

// verifyToken validates an HS256 JWT and extracts the caller identity.
func (h *Handler) verifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("api: parse token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("api: invalid token")
	}
	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return Claims{}, fmt.Errorf("api: invalid user_id in token")
	}
	roleStr, ok := mapClaims["role"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("api: invalid role in token")
	}
	role := Role(roleStr)
	switch role {
	case RoleClient, RoleVendor, RolePDGAdmin:
	default:
		return Claims{}, fmt.Errorf("api: invalid role %q in token", roleStr)
	}
	return Claims{UserID: userID, Role: role}, nil
}
