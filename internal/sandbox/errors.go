package sandbox

import "errors"

// Sentinel errors for adapter operations. Adapters wrap these with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is.
var (
	// ErrUnavailable indicates the container runtime is not reachable.
	ErrUnavailable = errors.New("sandbox runtime unavailable")

	// ErrPermission indicates the adapter cannot talk to the runtime
	// (e.g. no access to the daemon socket).
	ErrPermission = errors.New("sandbox runtime permission denied")

	// ErrImageMissing indicates the image for the requested language is not
	// present and could not be used.
	ErrImageMissing = errors.New("sandbox image missing")

	// ErrInternal indicates an unexpected adapter failure.
	ErrInternal = errors.New("sandbox internal error")

	// ErrNotFound indicates the container for a handle no longer exists.
	ErrNotFound = errors.New("sandbox container not found")

	// ErrUnknownLanguage indicates the language key has no configured image.
	ErrUnknownLanguage = errors.New("unknown sandbox language")
)

// IsStartFailure reports whether err counts as a sandbox-unavailable start
// outcome for backoff purposes: runtime unreachable, permission denied,
// missing image, or a create timeout.
func IsStartFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrImageMissing)
}
