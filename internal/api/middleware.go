package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pi-dev/pi-server/internal/store"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userKey      contextKey = "user"
)

// currentUser returns the authenticated user placed by authMiddleware.
func currentUser(r *http.Request) *store.User {
	user, _ := r.Context().Value(userKey).(*store.User)
	return user
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/healthz" || path == "/api/auth/register" || path == "/api/auth/login" {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		} else if strings.HasSuffix(path, "/stream") {
			// Browser WebSocket clients cannot set headers.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeUnauthorizedError(w, "missing bearer token")
			return
		}

		user, err := s.st.ValidateToken(token)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if user == nil {
			writeUnauthorizedError(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
