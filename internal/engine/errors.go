package engine

import (
	"errors"
	"fmt"
)

// ErrStaleTransition marks a compare-and-set miss on a project's stage. The
// caller should re-read the project and retry, never overwrite.
var ErrStaleTransition = errors.New("stale stage transition")

// ErrInvalidTransition marks an edge the lifecycle does not define.
var ErrInvalidTransition = errors.New("invalid stage transition")

// ErrMaxClarificationRounds is returned when a clarification loop exceeds the
// configured bound; it forces escalation instead of looping forever.
var ErrMaxClarificationRounds = errors.New("max clarification rounds exceeded")

// ErrContinuationNotLive marks a duplicate or late reply for an already
// consumed or cancelled continuation.
var ErrContinuationNotLive = errors.New("continuation is not live")

// ErrProjectClosed marks an operation against a terminal-stage project.
var ErrProjectClosed = errors.New("project is in a terminal stage")

// StaleTransitionError carries the stage the caller expected and the stage
// actually found.
type StaleTransitionError struct {
	ProjectID string
	Expected  string
	Actual    string
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("project %s: expected stage %s, found %s", e.ProjectID, e.Expected, e.Actual)
}

func (e *StaleTransitionError) Is(target error) bool { return target == ErrStaleTransition }
