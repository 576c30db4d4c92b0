package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

type contextKey string

const (
	apiKeyKey  contextKey = "api_key"
	projectKey contextKey = "project"
)

// SetAuth stores the authenticated key and its project on ctx.
func SetAuth(ctx context.Context, key *models.APIKey, project *models.Project) context.Context {
	ctx = context.WithValue(ctx, apiKeyKey, key)
	return context.WithValue(ctx, projectKey, project)
}

func GetAPIKey(r *http.Request) (*models.APIKey, bool) {
	key, ok := r.Context().Value(apiKeyKey).(*models.APIKey)
	return key, ok && key != nil
}

func GetProject(r *http.Request) (*models.Project, bool) {
	p, ok := r.Context().Value(projectKey).(*models.Project)
	return p, ok && p != nil
}
