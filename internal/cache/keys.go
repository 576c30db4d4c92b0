package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// RateLimitKey is the counter key for one API key in the window starting at
// windowStart (unix seconds).
func RateLimitKey(apiKeyID uuid.UUID, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", apiKeyID, windowStart)
}

func ProjectStatsKey(projectID uuid.UUID, rangeName string) string {
	return fmt.Sprintf("stats:project:%s:%s", projectID, rangeName)
}
