package errs

import "fmt"

// InputError reports a structurally malformed input document (request,
// catalogue, schema or dataset). It is never retried.
type InputError struct {
	Source string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	msg := "invalid " + e.Source
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InputError) Unwrap() error { return e.Err }

// Input builds an InputError with a formatted reason.
func Input(source, format string, args ...any) error {
	return &InputError{Source: source, Reason: fmt.Sprintf(format, args...)}
}

// WrapInput wraps a decoding or I/O failure for source.
func WrapInput(source string, err error) error {
	if err == nil {
		return nil
	}
	return &InputError{Source: source, Err: err}
}
