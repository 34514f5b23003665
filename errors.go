package tracelog

import "errors"

var (
	// ErrBufferFull is returned when a bounded buffer refuses a chunk checkout.
	// The event is dropped.
	ErrBufferFull = errors.New("trace buffer full")

	// ErrReentrant is returned when a thread adds an event while it's already
	// adding one, e.g. from inside an event filter. The event is dropped.
	ErrReentrant = errors.New("re-entrant trace event dropped")

	// ErrRecording is returned by Flush while recording is enabled.
	ErrRecording = errors.New("cannot flush while recording")

	// ErrFlushInProgress is returned by operations that conflict with a flush
	// that hasn't finished draining threads.
	ErrFlushInProgress = errors.New("flush in progress")

	// ErrObserverDispatch is returned by SetEnabled and SetDisabled when they're
	// called while enabled state observers are being notified.
	ErrObserverDispatch = errors.New("enabled state change during observer dispatch")

	// ErrShutdown is returned by operations on an engine that has been shut
	// down.
	ErrShutdown = errors.New("trace log shut down")

	// ErrInvalidConfig wraps every configuration error.
	ErrInvalidConfig = errors.New("invalid trace config")

	// ErrUnknownPredicate is returned when an event filter names a predicate
	// that isn't registered.
	ErrUnknownPredicate = errors.New("unknown event filter predicate")

	// ErrTooManyFilters is returned when a config has more than
	// MaxEventFilters event filters.
	ErrTooManyFilters = errors.New("too many event filters")
)
