// Package stats summarizes how long closed issues took to resolve.
package stats

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/joescharf/tracker/internal/models"
)

// ErrNoClosedIssues is returned when there is nothing to summarize.
// Callers should treat it as "no data yet", not as a failure.
var ErrNoClosedIssues = errors.New("no closed issues")

// IntegrityError reports a closed issue whose timestamps cannot produce a
// valid duration.
type IntegrityError struct {
	IssueID   string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

func (e *IntegrityError) Error() string {
	if e.ClosedAt == nil {
		return fmt.Sprintf("issue %s is closed but has no closed timestamp", e.IssueID)
	}
	return fmt.Sprintf("issue %s closed at %s before it was created at %s",
		e.IssueID, e.ClosedAt.Format(time.RFC3339), e.CreatedAt.Format(time.RFC3339))
}

// Summary holds time-to-close statistics.
type Summary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
	Total time.Duration `json:"total"`
}

// Compute returns min, average and max time-to-close over the issues whose
// status is closedStatusID. Other issues are ignored.
func Compute(issues []*models.Issue, closedStatusID int64) (*Summary, error) {
	closed := lo.Filter(issues, func(issue *models.Issue, _ int) bool {
		return issue.StatusID == closedStatusID
	})
	if len(closed) == 0 {
		return nil, ErrNoClosedIssues
	}

	durations := make([]time.Duration, 0, len(closed))
	for _, issue := range closed {
		d, ok := issue.Duration()
		if !ok || d < 0 {
			return nil, &IntegrityError{IssueID: issue.ID, CreatedAt: issue.CreatedAt, ClosedAt: issue.ClosedAt}
		}
		durations = append(durations, d)
	}

	return Summarize(durations)
}

// Summarize computes statistics over raw durations.
func Summarize(durations []time.Duration) (*Summary, error) {
	if len(durations) == 0 {
		return nil, ErrNoClosedIssues
	}

	s := &Summary{
		Count: len(durations),
		Min:   lo.Min(durations),
		Max:   lo.Max(durations),
		Total: lo.Sum(durations),
	}
	s.Avg = s.Total / time.Duration(s.Count)
	return s, nil
}
