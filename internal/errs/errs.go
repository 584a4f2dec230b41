// Package errs holds sentinel errors shared across layers. Callers wrap them
// with fmt.Errorf("%w: ...") and boundaries match them with errors.Is.
package errs

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("closed")
)
