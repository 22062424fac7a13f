package notifier

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("notifier already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("notifier not started")

	// ErrUnknownEventType is returned for event types outside the known set.
	ErrUnknownEventType = errors.New("unknown event type")
)
