// Package errs defines the sentinel error kinds the scheduler core emits,
// per spec.md §7. Callers use errors.Is against these sentinels; component
// packages wrap them with fmt.Errorf("...: %w", ErrX) for context.
package errs

import "errors"

var (
	// ErrBadParam: malformed affinity mask, invalid shares, unparseable command.
	ErrBadParam = errors.New("bad parameter")
	// ErrNotFound: world/group id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoMemory: admission refused or heap exhausted.
	ErrNoMemory = errors.New("no memory")
	// ErrNoResources: action allocation failed.
	ErrNoResources = errors.New("no resources")
	// ErrLimitExceeded: guest memory request above configured maximum.
	ErrLimitExceeded = errors.New("limit exceeded")
	// ErrBusy: snapshot was invalidated before commit; caller retries.
	ErrBusy = errors.New("busy")
	// ErrDeathPending: current world is being torn down.
	ErrDeathPending = errors.New("death pending")
	// ErrTimeout: memory-wait or cross-cpu operation exceeded its budget.
	ErrTimeout = errors.New("timeout")
	// ErrAdmitFailed: group tree admission check failed.
	ErrAdmitFailed = errors.New("admission failed")
)
