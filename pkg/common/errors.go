package common

import (
	"errors"
	"fmt"
)

// Configuration errors are fatal and never retried.
var (
	ErrConfig             = errors.New("configuration error")
	ErrDimensionMismatch  = fmt.Errorf("%w: embedding dimension mismatch", ErrConfig)
	ErrUnknownDocType     = fmt.Errorf("%w: unknown document type", ErrConfig)
	ErrMissingCredentials = fmt.Errorf("%w: missing credentials", ErrConfig)
	ErrModelMismatch      = fmt.Errorf("%w: embedding model mismatch", ErrConfig)
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits,
	// dropped connections.
	ErrTransient = errors.New("transient error")
	// ErrMalformed marks data errors: unparseable documents or model output.
	// The offending unit is skipped.
	ErrMalformed = errors.New("malformed data")
	ErrNotFound  = errors.New("not found")
)

// IsConfigError reports whether err belongs to the configuration class.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
