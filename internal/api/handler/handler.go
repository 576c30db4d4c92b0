// Package handler holds the HTTP handlers. Handlers only translate between
// HTTP and the ingest and query services; every status code decision lives
// here.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/issuehound/internal/api/middleware"
	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/ingest"
	"github.com/kiranshivaraju/issuehound/internal/query"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// Ingester is the ingestion gateway as seen by the HTTP layer.
type Ingester interface {
	Ingest(ctx context.Context, b ingest.Batch) (*ingest.Result, error)
}

// Querier is the read side used by the dashboard handlers.
type Querier interface {
	ListIssues(ctx context.Context, projectID uuid.UUID, p query.IssueListParams) (*query.IssuePage, error)
	GetIssue(ctx context.Context, projectID, issueID uuid.UUID) (*models.Issue, error)
	UpdateIssueStatus(ctx context.Context, projectID, issueID uuid.UUID, status string) (*models.Issue, error)
	IssueTimeSeries(ctx context.Context, projectID, issueID uuid.UUID, r query.Range) (*query.TimeSeries, error)
	ListIssueEvents(ctx context.Context, projectID, issueID uuid.UUID, p query.EventListParams) (*query.EventPage, error)
	ProjectStats(ctx context.Context, projectID uuid.UUID, r query.Range) (*models.ProjectStats, error)
	ListEvents(ctx context.Context, projectID uuid.UUID, p query.EventListParams) (*query.EventPage, error)
}

var errBadIssueID = errors.New("malformed issue id")

// projectID returns the authenticated project. Routes under
// /projects/{projectID} have already checked it against the URL.
func projectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	p, ok := mw.GetProject(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "AUTH_REQUIRED", "A valid API key is required", nil)
		return uuid.Nil, false
	}
	return p.ID, true
}

func issueID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		return uuid.Nil, errBadIssueID
	}
	return id, nil
}

// writeQueryError maps read-side failures. Store details never reach the
// client.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var qerr *query.Error
	switch {
	case errors.As(err, &qerr):
		response.Error(w, http.StatusBadRequest, "INVALID_QUERY", qerr.Error(),
			map[string]string{"param": qerr.Param})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, errBadIssueID):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Issue not found", nil)
	case errors.Is(err, query.ErrInvalidStatus):
		response.Error(w, http.StatusBadRequest, "INVALID_STATUS",
			"status must be one of unresolved, resolved, ignored", nil)
	default:
		slog.Error("query failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
