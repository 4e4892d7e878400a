package ida

import "errors"

var (
	// ErrNotStarted is returned by any operation requiring a launched
	// process when Start was not called yet.
	ErrNotStarted = errors.New("process not started")

	// ErrAlreadyStarted is returned by Start when the job already owns a
	// process. A Job runs exactly once.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrModeNotSet is returned by Start when neither a script nor direct
	// options were supplied at construction.
	ErrModeNotSet = errors.New("ida mode not set")

	// ErrModeConflict is returned at construction when both a script and
	// direct options are supplied. The modes are mutually exclusive.
	ErrModeConflict = errors.New("script and direct options are mutually exclusive")

	// ErrMalformedOption is returned at construction for a direct mode
	// option missing the key:value separator.
	ErrMalformedOption = errors.New(`direct option must contain a ":"`)

	// ErrToolNotFound is returned when no IDA installation can be resolved
	// from IDA_PATH or $PATH.
	ErrToolNotFound = errors.New("ida installation not found")
)
