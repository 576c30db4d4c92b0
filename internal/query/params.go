package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Error is a rejected query parameter.
type Error struct {
	Param   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Message)
}

// Range is a closed set of look-back presets. There is no arbitrary date
// range input.
type Range string

const (
	RangeHour  Range = "1h"
	RangeDay   Range = "24h"
	RangeWeek  Range = "7d"
	RangeMonth Range = "30d"
)

var rangeDurations = map[Range]time.Duration{
	RangeHour:  time.Hour,
	RangeDay:   24 * time.Hour,
	RangeWeek:  7 * 24 * time.Hour,
	RangeMonth: 30 * 24 * time.Hour,
}

// ParseRange maps a preset name to a Range. An empty string yields def.
func ParseRange(s string, def Range) (Range, error) {
	if s == "" {
		return def, nil
	}
	r := Range(s)
	if _, ok := rangeDurations[r]; !ok {
		return "", &Error{Param: "range", Message: "must be one of 1h, 24h, 7d, 30d"}
	}
	return r, nil
}

// Since is the lower bound of the range at now. The empty Range has no bound.
func (r Range) Since(now time.Time) time.Time {
	d, ok := rangeDurations[r]
	if !ok {
		return time.Time{}
	}
	return now.Add(-d)
}

// Page is a 1-based page with a clamped size.
type Page struct {
	Page  int
	Limit int
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// parsePage defaults and clamps page and limit. Non-numeric values are
// rejected rather than silently defaulted.
func parsePage(v url.Values) (Page, error) {
	p := Page{Page: 1, Limit: DefaultLimit}
	if s := v.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return p, &Error{Param: "page", Message: "must be an integer"}
		}
		p.Page = max(n, 1)
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return p, &Error{Param: "limit", Message: "must be an integer"}
		}
		p.Limit = min(max(n, 1), MaxLimit)
	}
	return p, nil
}

type IssueListParams struct {
	Status      string
	Environment string
	Level       string
	Search      string
	// Range bounds last_seen. Empty means all time.
	Range     Range
	SortBy    string
	Ascending bool
	Page
}

func ParseIssueListParams(v url.Values) (IssueListParams, error) {
	p := IssueListParams{
		Status:      v.Get("status"),
		Environment: v.Get("environment"),
		Level:       v.Get("level"),
		Search:      strings.TrimSpace(v.Get("search")),
		SortBy:      store.SortLastSeen,
	}
	if p.Status != "" && !models.ValidIssueStatus(p.Status) {
		return p, &Error{Param: "status", Message: "must be one of unresolved, resolved, ignored"}
	}
	if p.Level != "" && !models.ValidLevel(p.Level) {
		return p, &Error{Param: "level", Message: "must be one of error, warning, info, debug"}
	}

	var err error
	if p.Range, err = ParseRange(v.Get("range"), ""); err != nil {
		return p, err
	}

	switch s := v.Get("sort"); s {
	case "":
	case store.SortLastSeen, store.SortFirstSeen, store.SortEventCount, store.SortUserCount:
		p.SortBy = s
	default:
		return p, &Error{Param: "sort", Message: "must be one of last_seen, first_seen, event_count, user_count"}
	}
	switch o := v.Get("order"); o {
	case "", "desc":
	case "asc":
		p.Ascending = true
	default:
		return p, &Error{Param: "order", Message: "must be asc or desc"}
	}

	if p.Page, err = parsePage(v); err != nil {
		return p, err
	}
	return p, nil
}

type EventListParams struct {
	Environment string
	Level       string
	Range       Range
	Page
}

func ParseEventListParams(v url.Values) (EventListParams, error) {
	p := EventListParams{
		Environment: v.Get("environment"),
		Level:       v.Get("level"),
	}
	if p.Level != "" && !models.ValidLevel(p.Level) {
		return p, &Error{Param: "level", Message: "must be one of error, warning, info, debug"}
	}
	var err error
	if p.Range, err = ParseRange(v.Get("range"), ""); err != nil {
		return p, err
	}
	if p.Page, err = parsePage(v); err != nil {
		return p, err
	}
	return p, nil
}
