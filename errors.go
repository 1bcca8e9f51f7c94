package icap

import (
	"errors"
	"fmt"
)

// ErrMalformedRequest indicates an invalid request or status line. Errors
// returned by the parsers wrap this sentinel.
var ErrMalformedRequest = errors.New("malformed request")

// StatusError aborts a transaction with a specific ICAP status code. The
// server serializes it as an ICAP response with that code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, ICAPStatusText(e.Code))
}

// Abort returns a StatusError for the given ICAP status code. Handlers and
// hooks return it to short-circuit a transaction.
func Abort(code int) error {
	return &StatusError{Code: code}
}

// StatusCode extracts the ICAP status code from err. Returns 0 if err does
// not carry one.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// InvalidEncapsulatedError reports an Encapsulated header that does not
// comply with RFC 3507 section 4.4.1. When parsing a client request this is
// a client bug; when serializing a response it is a bug in this package.
type InvalidEncapsulatedError struct {
	Field string
}

func (e *InvalidEncapsulatedError) Error() string {
	return fmt.Sprintf("encapsulated field does not comply with RFC 3507: %s", e.Field)
}
