package sessionstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session record exists for the id.
	ErrNotFound = errors.New("sessionstore: session not found")
	// ErrEndpointMismatch is returned when a session is bound to an endpoint
	// other than the one the store handle is scoped to.
	ErrEndpointMismatch = errors.New("sessionstore: session bound to a different endpoint")
	// ErrCorrupt is the parent of every integrity failure. Corrupt sessions
	// are purged, never retried.
	ErrCorrupt = errors.New("sessionstore: session data corrupt")
	// ErrChecksumMismatch means the reassembled blob does not hash to the
	// recorded checksum.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	// ErrDecode means the reassembled chunk data is not valid base64.
	ErrDecode = fmt.Errorf("%w: decode failed", ErrCorrupt)
	// ErrIncompleteSave means a non-transactional save could not be verified.
	ErrIncompleteSave = errors.New("sessionstore: save did not persist completely")
)

// IsCorrupt reports whether err is an integrity failure.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
