package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// IsSkip reports whether err means the task was intentionally not run
// (overlap guard), as opposed to an enqueue failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrOverlapSkip)
}
