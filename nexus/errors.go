package nexus

import "errors"

// Structural errors, rejected synchronously at the control boundary.
var (
	ErrNoBackends              = errors.New("nexus needs at least one backend")
	ErrConfigMismatch          = errors.New("backend geometry does not match nexus")
	ErrSizeMismatch            = errors.New("backend size does not match replica set")
	ErrBlockSizeMismatch       = errors.New("backend block size does not match replica set")
	ErrAlreadyPresent          = errors.New("backend already present in replica set")
	ErrNotFound                = errors.New("backend not found in replica set")
	ErrWouldDropBelowOneActive = errors.New("removal would leave no active backend")
	ErrAlreadyPublished        = errors.New("nexus already published")
	ErrUnsupportedTransport    = errors.New("unsupported share transport")
	ErrStillPublished          = errors.New("nexus is still published")
	ErrDestroying              = errors.New("nexus is being destroyed")
)

// ErrIO is returned on the I/O path once the nexus's own mirror redundancy
// is exhausted. It fails the single command, never the session.
var ErrIO = errors.New("nexus I/O error")
