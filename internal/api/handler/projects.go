package handler

import (
	"net/http"

	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/query"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

type statsResponse struct {
	Range query.Range `json:"range"`
	*models.ProjectStats
}

// NewProjectStatsHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/stats.
func NewProjectStatsHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		rng, err := query.ParseRange(r.URL.Query().Get("range"), query.RangeDay)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		stats, err := q.ProjectStats(r.Context(), pid, rng)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		response.JSON(w, statsResponse{Range: rng, ProjectStats: stats})
	}
}

// NewProjectEventsHandler returns an http.HandlerFunc for
// GET /api/v1/projects/{projectID}/events.
func NewProjectEventsHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, ok := projectID(w, r)
		if !ok {
			return
		}
		params, err := query.ParseEventListParams(r.URL.Query())
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		page, err := q.ListEvents(r.Context(), pid, params)
		if err != nil {
			writeQueryError(w, r, err)
			return
		}
		writeEventPage(w, page)
	}
}
