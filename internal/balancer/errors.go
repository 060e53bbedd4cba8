package balancer

import "errors"

var (
	// ErrInvalidRequirement reports a malformed selection requirement. It is a
	// caller error and is never retried internally.
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrNoCapacity reports that no instance passed the hard filter. Callers
	// recover by backing off or queuing.
	ErrNoCapacity = errors.New("no capacity available")
)
