package gateway

import (
	"errors"

	"github.com/envgate/envgate/internal/session"
)

var (
	// ErrSessionNotFound is returned for operations on unknown or closed
	// session keys. Closing an unknown key is not an error.
	ErrSessionNotFound = session.ErrNotFound

	// ErrActionShapeMismatch is returned when supplied action keys are not
	// a subset of the active agent slots; the whole call is rejected and
	// session state is unchanged.
	ErrActionShapeMismatch = errors.New("action shape mismatch")

	// ErrBackendStep is returned when the underlying simulation raises
	// during step. The session is marked degraded but remains closeable.
	ErrBackendStep = errors.New("backend step error")

	// ErrSessionDegraded is returned for steps on a session whose backend
	// previously failed; a successful reset clears the condition.
	ErrSessionDegraded = errors.New("session degraded")
)
