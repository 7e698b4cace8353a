package manifest

import (
	"fmt"
	"strings"
)

// Violation is one validation finding, addressed by its document path so
// operators can fix the manifest without guessing.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ValidationError carries every violation found in one pass, not just the
// first. It is fatal and aborts before any execution.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "manifest validation failed: " + e.Violations[0].String()
	}
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, "  "+v.String())
	}
	return fmt.Sprintf("manifest validation failed with %d violations:\n%s",
		len(e.Violations), strings.Join(lines, "\n"))
}

// CycleError reports a dependency cycle. Fatal, pre-execution.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}
