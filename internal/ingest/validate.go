package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	maxEventAge    = 7 * 24 * time.Hour
	maxClockSkew   = time.Hour
	maxTags        = 20
	maxTagKeyLen   = 100
	maxTagValueLen = 200
)

var validate *validator.Validate

// A single validator instance is used because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	err := validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	if err != nil {
		panic(err)
	}
	// Postgres rejects NUL in text and jsonb columns.
	err = validate.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	})
	if err != nil {
		panic(err)
	}
}

// EventPayload is one raw event as sent by an SDK. String lengths are
// counted in characters, not bytes.
type EventPayload struct {
	Message        string            `json:"message" validate:"notblank,max=1000,nonul"`
	Level          string            `json:"level" validate:"required,oneof=error warning info debug"`
	Environment    string            `json:"environment" validate:"notblank,nonul"`
	Timestamp      *string           `json:"timestamp,omitempty"`
	StackTrace     *string           `json:"stack_trace,omitempty" validate:"omitempty,max=10000,nonul"`
	ReleaseVersion *string           `json:"release_version,omitempty" validate:"omitempty,nonul"`
	UserID         *string           `json:"user_id,omitempty" validate:"omitempty,nonul"`
	UserEmail      *string           `json:"user_email,omitempty" validate:"omitempty,nonul"`
	UserIP         *string           `json:"user_ip,omitempty" validate:"omitempty,nonul"`
	Browser        *string           `json:"browser,omitempty" validate:"omitempty,nonul"`
	OS             *string           `json:"os,omitempty" validate:"omitempty,nonul"`
	URL            *string           `json:"url,omitempty" validate:"omitempty,nonul"`
	Tags           map[string]string `json:"tags,omitempty"`
	Extra          json.RawMessage   `json:"extra,omitempty"`
}

// fieldError is the first problem found in a single event.
type fieldError struct {
	field  string
	reason string
}

// checkEvent validates one payload and resolves its timestamp against now.
// Events without a timestamp take now.
func checkEvent(p *EventPayload, now time.Time) (time.Time, *fieldError) {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return time.Time{}, describe(verrs[0])
		}
		return time.Time{}, &fieldError{reason: err.Error()}
	}
	if fe := checkTags(p.Tags); fe != nil {
		return time.Time{}, fe
	}
	if fe := checkExtra(p.Extra); fe != nil {
		return time.Time{}, fe
	}

	if p.Timestamp == nil || *p.Timestamp == "" {
		return now, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, *p.Timestamp)
	if err != nil {
		return time.Time{}, &fieldError{"timestamp", "must be an ISO-8601 timestamp"}
	}
	switch {
	case ts.Before(now.Add(-maxEventAge)):
		return time.Time{}, &fieldError{"timestamp", "must not be older than 7 days"}
	case ts.After(now.Add(maxClockSkew)):
		return time.Time{}, &fieldError{"timestamp", "must not be more than 1 hour in the future"}
	}
	return ts, nil
}

func checkTags(tags map[string]string) *fieldError {
	if len(tags) > maxTags {
		return &fieldError{"tags", fmt.Sprintf("must have at most %d entries", maxTags)}
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if utf8.RuneCountInString(k) > maxTagKeyLen {
			return &fieldError{"tags", fmt.Sprintf("keys must be at most %d characters", maxTagKeyLen)}
		}
		if strings.ContainsRune(k, 0) {
			return &fieldError{"tags", "keys must not contain NUL characters"}
		}
		if utf8.RuneCountInString(tags[k]) > maxTagValueLen {
			return &fieldError{"tags." + k, fmt.Sprintf("must be at most %d characters", maxTagValueLen)}
		}
		if strings.ContainsRune(tags[k], 0) {
			return &fieldError{"tags." + k, "must not contain NUL characters"}
		}
	}
	return nil
}

// checkExtra rejects a NUL anywhere in extra, in keys as well as values.
// Raw control bytes cannot appear in valid JSON, so only decoded strings
// need inspecting.
func checkExtra(raw json.RawMessage) *fieldError {
	if len(raw) == 0 || !bytes.Contains(raw, []byte(`\u0000`)) {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &fieldError{"extra", "must be valid JSON"}
	}
	if containsNUL(v) {
		return &fieldError{"extra", "must not contain NUL characters"}
	}
	return nil
}

func containsNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.ContainsRune(t, 0)
	case []any:
		for _, e := range t {
			if containsNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.ContainsRune(k, 0) || containsNUL(e) {
				return true
			}
		}
	}
	return false
}

func describe(fe validator.FieldError) *fieldError {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return &fieldError{field, "is required"}
	case "oneof":
		return &fieldError{field, "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")}
	case "max":
		return &fieldError{field, fmt.Sprintf("must be at most %s characters", fe.Param())}
	case "nonul":
		return &fieldError{field, "must not contain NUL characters"}
	}
	return &fieldError{field, fmt.Sprintf("failed %q validation", fe.Tag())}
}
