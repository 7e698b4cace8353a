package executor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nixmox/nixmox/internal/diff"
	"github.com/nixmox/nixmox/internal/state"
)

// Status is the lifecycle state of one work item.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSucceeded     Status = "succeeded"
	StatusSkipped       Status = "skipped"
	StatusFatallyFailed Status = "fatally_failed"
)

// itemResult is the final outcome of driving one work item.
type itemResult struct {
	Status   Status
	Attempts int
	Err      error
}

// ItemReport pairs a planned work item with its outcome.
type ItemReport struct {
	Item     diff.WorkItem
	Status   Status
	Attempts int
	Err      error
}

// Summary aggregates the outcome of a run. Items never started stay pending,
// which is how halted phases show up.
type Summary struct {
	mu        sync.Mutex
	reports   map[itemKey]*ItemReport
	order     []itemKey
	Cancelled bool
}

type itemKey struct {
	service string
	kind    state.Kind
}

func newSummary(items []diff.WorkItem) *Summary {
	s := &Summary{reports: make(map[itemKey]*ItemReport, len(items))}
	for _, item := range items {
		key := itemKey{item.Service, item.Kind}
		s.reports[key] = &ItemReport{Item: item, Status: StatusPending}
		s.order = append(s.order, key)
	}
	return s
}

func (s *Summary) set(item diff.WorkItem, status Status, attempts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := s.reports[itemKey{item.Service, item.Kind}]
	report.Status = status
	report.Attempts = attempts
	report.Err = err
}

// Reports returns outcomes in plan order.
func (s *Summary) Reports() []ItemReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ItemReport, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.reports[key])
	}
	return out
}

// Counts tallies outcomes by status.
func (s *Summary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, report := range s.Reports() {
		counts[report.Status]++
	}
	return counts
}

// ExitCode maps the run outcome onto the CLI contract: 0 full success,
// 1 nothing succeeded, 3 partial success.
func (s *Summary) ExitCode() int {
	counts := s.Counts()
	failed := counts[StatusFatallyFailed] + counts[StatusPending]
	if failed == 0 && !s.Cancelled {
		return 0
	}
	if counts[StatusSucceeded] > 0 {
		return 3
	}
	return 1
}

// runError is the aggregate error the engine returns alongside the summary.
func (s *Summary) runError() error {
	if s.Cancelled {
		return errors.New("run cancelled, partial state persisted")
	}
	var failures []string
	for _, report := range s.Reports() {
		if report.Status == StatusFatallyFailed {
			failures = append(failures, fmt.Sprintf("%s/%s", report.Item.Service, report.Item.Kind))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("%d work item(s) fatally failed: %v", len(failures), failures)
}
