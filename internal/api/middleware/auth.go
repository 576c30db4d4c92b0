package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/apikey"
	"github.com/kiranshivaraju/issuehound/internal/store"
)

const touchTimeout = 5 * time.Second

// Auth provides authentication, scope and project checks.
type Auth struct {
	store store.AuthStore
	clock quartz.Clock
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.AuthStore, clock quartz.Clock) *Auth {
	return &Auth{store: s, clock: clock}
}

// Authenticate resolves the API key from the Authorization bearer token or
// the X-API-Key header and stores the key and its project in the request
// context. Every failure is reported as AUTH_REQUIRED so callers cannot
// tell unknown keys from expired ones.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractKey(r)
		if rawKey == "" {
			a.deny(w, r, "missing_key", "")
			return
		}
		prefix := apikey.Prefix(rawKey)

		key, project, err := a.store.LookupAPIKey(r.Context(), apikey.Hash(rawKey))
		if errors.Is(err, store.ErrNotFound) {
			a.deny(w, r, "unknown_key", prefix)
			return
		}
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}
		if key.Expired(a.clock.Now()) {
			a.deny(w, r, "expired_key", prefix)
			return
		}

		// Update last_used_at async
		go func(id uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
			defer cancel()
			if err := a.store.TouchLastUsed(ctx, id); err != nil {
				slog.Warn("touch api key failed", "key_prefix", prefix, "error", err)
			}
		}(key.ID)

		next.ServeHTTP(w, r.WithContext(SetAuth(r.Context(), key, project)))
	})
}

func (a *Auth) deny(w http.ResponseWriter, r *http.Request, reason, prefix string) {
	slog.Warn("authentication failed",
		"reason", reason,
		"key_prefix", prefix,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	)
	response.Error(w, http.StatusUnauthorized,
		"AUTH_REQUIRED", "A valid API key is required", nil)
}

// RequireScope returns middleware that checks whether the authenticated
// API key has the specified scope.
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := GetAPIKey(r)
			if ok && key.HasScope(scope) {
				next.ServeHTTP(w, r)
				return
			}
			var prefix string
			if ok {
				prefix = key.KeyPrefix
			}
			slog.Warn("authorization failed",
				"reason", "missing_scope",
				"scope", scope,
				"key_prefix", prefix,
				"path", r.URL.Path,
			)
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Insufficient permissions", nil)
		})
	}
}

// RequireProject rejects requests whose {projectID} URL parameter is not
// the project the key belongs to.
func (a *Auth) RequireProject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project, ok := GetProject(r)
		requested, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if !ok || err != nil || requested != project.ID {
			key, _ := GetAPIKey(r)
			var prefix string
			if key != nil {
				prefix = key.KeyPrefix
			}
			slog.Warn("authorization failed",
				"reason", "project_mismatch",
				"requested_project", chi.URLParam(r, "projectID"),
				"key_prefix", prefix,
				"path", r.URL.Path,
			)
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "API key does not grant access to this project", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
