// Package aggregate folds raw events into issues. The Aggregator runs on the
// ingestion path after a durable append; the Reconciler replays anything the
// Aggregator missed.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/issuehound/internal/fingerprint"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

const defaultParallelism = 4

type Aggregator struct {
	issues      store.IssueStore
	parallelism int
}

type Option func(*Aggregator)

// WithParallelism bounds how many fingerprint groups merge concurrently.
func WithParallelism(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

func NewAggregator(issues store.IssueStore, opts ...Option) *Aggregator {
	a := &Aggregator{issues: issues, parallelism: defaultParallelism}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result summarizes one Apply call.
type Result struct {
	Groups    int
	NewEvents int64
	Issues    []*models.Issue
}

// Apply groups events by (project, fingerprint) and merges each group into its
// issue. Groups are independent: a failing group does not stop the others,
// and all failures are returned joined. Applying the same events twice only
// counts them once.
func (a *Aggregator) Apply(ctx context.Context, events []models.ErrorEvent) (*Result, error) {
	groups := fingerprint.GroupEvents(events)
	results := make([]*store.MergeResult, len(groups))
	errs := make([]error, len(groups))

	var g errgroup.Group
	g.SetLimit(a.parallelism)
	for i := range groups {
		g.Go(func() error {
			grp := &groups[i]
			res, err := a.issues.MergeIssue(ctx, store.IssueDelta{
				ProjectID:    grp.ProjectID,
				Fingerprint:  grp.Fingerprint,
				Message:      grp.Message,
				Level:        grp.Level,
				FirstSeen:    grp.FirstSeen,
				LastSeen:     grp.LastSeen,
				EventIDs:     grp.EventIDs,
				UserKeys:     grp.UserKeys,
				Environments: grp.Environments,
				Tags:         grp.Tags,
			})
			if err != nil {
				errs[i] = fmt.Errorf("merge issue %s: %w", grp.Fingerprint, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := &Result{Groups: len(groups)}
	for _, res := range results {
		if res == nil {
			continue
		}
		out.NewEvents += res.NewEvents
		if res.Issue != nil {
			out.Issues = append(out.Issues, res.Issue)
		}
	}
	return out, errors.Join(errs...)
}
