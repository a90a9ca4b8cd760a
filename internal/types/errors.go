package types

import "errors"

// Sentinel errors returned across component boundaries. Callers match them
// with errors.Is; wrapped variants carry the component context.
var (
	// ErrSafetyRejected means the Safety Gate refused the content. The
	// orchestrator maps this to the fixed refusal response, never to an
	// error status.
	ErrSafetyRejected = errors.New("content rejected by safety gate")

	// ErrGenerationFailed means every backend in the fallback chain failed
	// or the generated output never passed validation.
	ErrGenerationFailed = errors.New("generation failed on all backends")

	// ErrRoleCapacityExceeded means the world holds the maximum number of
	// roles and none is idle, so no slot could be reclaimed.
	ErrRoleCapacityExceeded = errors.New("role capacity exceeded for world")

	// ErrMemoryUnavailable means the memory store could not serve a read
	// or write. Reads degrade gracefully; writes surface this error.
	ErrMemoryUnavailable = errors.New("memory store unavailable")

	// ErrBackendTimeout means a single model call exceeded its deadline.
	// The fallback chain treats it as a per-link failure.
	ErrBackendTimeout = errors.New("model backend timed out")

	// ErrNotFound means the requested session, world, role, or chapter
	// does not exist in the store.
	ErrNotFound = errors.New("not found")
)
