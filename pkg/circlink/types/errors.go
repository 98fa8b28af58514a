package types

import "errors"

// Error categories. Callers test with errors.Is; the specific errors below
// also match their category.
var (
	// ErrValidation covers bad input the user must fix. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for an unknown link id.
	ErrNotFound = errors.New("link not found")

	// ErrTimeout is returned when a start or stop handshake exceeds its bound.
	ErrTimeout = errors.New("handshake timed out")

	// ErrProcessMismatch is returned when a recorded process id does not refer
	// to a live worker.
	ErrProcessMismatch = errors.New("process is not a running link worker")

	// ErrRecordUnavailable is returned when a record file is empty or partially
	// written after retries. It is transient.
	ErrRecordUnavailable = errors.New("link record temporarily unavailable")

	// ErrNotStopped is returned when clearing a link that has not stopped.
	ErrNotStopped = errors.New("link is not stopped")

	// ErrAlreadyRunning is returned when restarting a link that is still active.
	ErrAlreadyRunning = errors.New("link is already running")

	// ErrDestination is returned when the destination tree cannot be created.
	// It is fatal to a worker.
	ErrDestination = errors.New("cannot create destination")
)

// Specific errors within a category.
var (
	ErrInvalidPath          = kind("invalid read path", ErrValidation)
	ErrInvalidConfiguration = kind("invalid link configuration", ErrValidation)
	ErrPermission           = kind("write path is not writable", ErrValidation)
	ErrStartTimeout         = kind("link process did not confirm start", ErrTimeout)
	ErrStopTimeout          = kind("link process did not confirm stop", ErrTimeout)
)

// kindError is a sentinel that also matches its parent category.
type kindError struct {
	msg    string
	parent error
}

func kind(msg string, parent error) error {
	return &kindError{msg: msg, parent: parent}
}

func (e *kindError) Error() string { return e.msg }

// Is reports whether target is this error's category.
func (e *kindError) Is(target error) bool { return target == e.parent }
