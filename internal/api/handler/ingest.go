package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	mw "github.com/kiranshivaraju/issuehound/internal/api/middleware"
	"github.com/kiranshivaraju/issuehound/internal/api/response"
	"github.com/kiranshivaraju/issuehound/internal/ingest"
	"github.com/kiranshivaraju/issuehound/internal/ratelimit"
)

// maxEventBytes bounds the request body per allowed event.
const maxEventBytes = 1 << 20

type ingestRequest struct {
	Events []ingest.EventPayload `json:"events"`
}

type ingestResponse struct {
	ProcessedCount int       `json:"processed_count"`
	ProjectID      string    `json:"project_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewIngestHandler returns an http.HandlerFunc for POST /api/v1/events.
func NewIngestHandler(svc Ingester, maxBatch int) http.HandlerFunc {
	maxBody := int64(maxBatch) * maxEventBytes
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := mw.GetAPIKey(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "AUTH_REQUIRED", "A valid API key is required", nil)
			return
		}

		var req ingestRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			msg := "Request body must be a JSON object with an events array"
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				msg = "Request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"
			}
			response.Error(w, http.StatusBadRequest, ingest.CodeInvalidRequestBody, msg, nil)
			return
		}

		res, err := svc.Ingest(r.Context(), ingest.Batch{
			APIKeyID:  key.ID,
			ProjectID: key.ProjectID,
			Events:    req.Events,
		})
		if err != nil {
			writeIngestError(w, r, err)
			return
		}

		if res.RateLimit != nil {
			setRateLimitHeaders(w, *res.RateLimit)
		}
		response.JSON(w, ingestResponse{
			ProcessedCount: res.ProcessedCount,
			ProjectID:      res.ProjectID.String(),
			Timestamp:      res.Timestamp,
		})
	}
}

func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ingest.ValidationError
	var rerr *ingest.RateLimitError
	switch {
	case errors.As(err, &verr):
		var details any
		if verr.EventIndex >= 0 {
			details = map[string]any{
				"event_index": verr.EventIndex,
				"field":       verr.Field,
				"reason":      verr.Message,
			}
		}
		response.Error(w, http.StatusBadRequest, verr.Code, verr.Message, details)
	case errors.As(err, &rerr):
		setRateLimitHeaders(w, ratelimit.Decision{Limit: rerr.Limit, ResetAt: rerr.ResetAt})
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rerr.RetryAfter)))
		response.Error(w, http.StatusTooManyRequests, ingest.CodeRateLimited,
			"Rate limit exceeded. Retry after the indicated number of seconds.",
			map[string]any{"retry_after": retryAfterSeconds(rerr.RetryAfter)})
	default:
		slog.Error("ingest failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, ingest.CodeProcessingError,
			"Events could not be stored", nil)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
