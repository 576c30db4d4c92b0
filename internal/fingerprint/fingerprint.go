// Package fingerprint derives the grouping key for ingested events and groups
// a batch into per-fingerprint deltas for the issue aggregator.
package fingerprint

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// StackLines is the number of leading stack-trace lines that take part in
// the fingerprint.
const StackLines = 3

// digestSize is 128 bits.
const digestSize = 16

// Compute returns the fingerprint for an event: a 128-bit BLAKE2b digest of
// the message, the first StackLines lines of the stack trace and the
// environment, rendered as lowercase hex. Fields are separated by NUL, which
// ingest rejects in every grouping field. It has no side effects.
func Compute(message string, stackTrace *string, environment string) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// Only returned for an invalid size or oversized key.
		panic(err)
	}
	h.Write([]byte(message))
	if stackTrace != nil {
		if lead := leadingLines(*stackTrace, StackLines); lead != "" {
			h.Write([]byte{0})
			h.Write([]byte(lead))
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(environment))
	return hex.EncodeToString(h.Sum(nil))
}

// ForEvent computes the fingerprint of e from its grouping fields.
func ForEvent(e *models.ErrorEvent) string {
	return Compute(e.Message, e.StackTrace, e.Environment)
}

func leadingLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// Group is the slice of a batch sharing one fingerprint, summarised for an
// issue merge.
type Group struct {
	ProjectID    uuid.UUID
	Fingerprint  string
	Message      string
	Level        string
	FirstSeen    time.Time
	LastSeen     time.Time
	EventIDs     []uuid.UUID
	UserKeys     []string
	Environments []string
	Tags         map[string]string
}

// GroupEvents partitions events by (project, fingerprint). Events must
// already carry their fingerprint. Groups are returned ordered by descending
// event count, then fingerprint. Returns an empty slice for empty input.
func GroupEvents(events []models.ErrorEvent) []Group {
	if len(events) == 0 {
		return []Group{}
	}

	type groupKey struct {
		project     uuid.UUID
		fingerprint string
	}
	type state struct {
		group Group
		users map[string]struct{}
		envs  map[string]struct{}
	}

	groups := make(map[groupKey]*state)
	var order []groupKey

	for i := range events {
		e := &events[i]
		k := groupKey{project: e.ProjectID, fingerprint: e.Fingerprint}
		st, ok := groups[k]
		if !ok {
			st = &state{
				group: Group{
					ProjectID:   e.ProjectID,
					Fingerprint: e.Fingerprint,
					Message:     e.Message,
					Level:       e.Level,
					FirstSeen:   e.Timestamp,
					LastSeen:    e.Timestamp,
					Tags:        map[string]string{},
				},
				users: map[string]struct{}{},
				envs:  map[string]struct{}{},
			}
			groups[k] = st
			order = append(order, k)
		}

		g := &st.group
		g.EventIDs = append(g.EventIDs, e.ID)
		if e.Timestamp.Before(g.FirstSeen) {
			g.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(g.LastSeen) {
			g.LastSeen = e.Timestamp
		}
		if levelSeverity(e.Level) > levelSeverity(g.Level) {
			g.Level = e.Level
		}
		if uk := e.UserKey(); uk != "" {
			if _, seen := st.users[uk]; !seen {
				st.users[uk] = struct{}{}
				g.UserKeys = append(g.UserKeys, uk)
			}
		}
		if _, seen := st.envs[e.Environment]; !seen {
			st.envs[e.Environment] = struct{}{}
			g.Environments = append(g.Environments, e.Environment)
		}
		for k, v := range e.Tags {
			if _, exists := g.Tags[k]; !exists {
				g.Tags[k] = v
			}
		}
	}

	out := make([]Group, 0, len(order))
	for _, k := range order {
		g := groups[k].group
		sort.Strings(g.Environments)
		sort.Strings(g.UserKeys)
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].EventIDs) != len(out[j].EventIDs) {
			return len(out[i].EventIDs) > len(out[j].EventIDs)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})

	return out
}

// levelSeverity maps an event level to a numeric severity.
func levelSeverity(level string) int {
	switch level {
	case models.LevelError:
		return 3
	case models.LevelWarning:
		return 2
	case models.LevelInfo:
		return 1
	default:
		return 0
	}
}
