package handler

import (
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/query"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// NewListIssuesHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/issues.
func NewListIssuesHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		params, err := query.ParseIssueListParams(r.URL.Query())
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		page, err := q.ListIssues(r.Context(), pid, params)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		issues := page.Issues
		if issues == nil {
			issues = []*models.Issue{}
		}
		response.Collection(w, issues, response.NewPaginationMeta(page.Page.Page, page.Limit, page.Total))
	}
}

// NewGetIssueHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/issues/{issueID}.
func NewGetIssueHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		id, err := issueID(r)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		issue, err := q.GetIssue(r.Context(), pid, id)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		response.JSON(w, issue)
	}
}

// NewUpdateIssueHandler returns an http.HandlerFunc for
// PATCH /api/v1/projects/{projectID}/issues/{issueID}.
func NewUpdateIssueHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		id, err := issueID(r)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid JSON body", nil)
			return
		}

		issue, err := q.UpdateIssueStatus(r.Context(), pid, id, req.Status)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		response.JSON(w, issue)
	}
}

// NewIssueTimeSeriesHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/issues/{issueID}/timeseries.
func NewIssueTimeSeriesHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		id, err := issueID(r)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		rng, err := query.ParseRange(r.URL.Query().Get("range"), query.RangeDay)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		ts, err := q.IssueTimeSeries(r.Context(), pid, id, rng)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		response.JSON(w, ts)
	}
}

// NewIssueEventsHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/issues/{issueID}/events.
func NewIssueEventsHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		id, err := issueID(r)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		params, err := query.ParseEventListParams(r.URL.Query())
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		page, err := q.ListIssueEvents(r.Context(), pid, id, params)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		writeEventPage(w, page)
	}
}

func writeEventPage(w http.ResponseWriter, page *query.EventPage) {
	events := page.Events
	if events == nil {
		events = []models.ErrorEvent{}
	}
	response.Collection(w, events, response.NewPaginationMeta(page.Page.Page, page.Limit, page.Total))
}
