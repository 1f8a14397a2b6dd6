package fetcher

import "fmt"

// TransportError reports a network-level failure: the request could not be
// sent, timed out, or returned a non-success status. The batch is skipped.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a response body that is malformed or structurally unexpected.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PoisonedIDError reports a single id whose response still cannot be parsed.
type PoisonedIDError struct {
	ID  int64
	Err error
}

func (e *PoisonedIDError) Error() string {
	return fmt.Sprintf("poisoned id %d: %v", e.ID, e.Err)
}

func (e *PoisonedIDError) Unwrap() error { return e.Err }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Err: fmt.Errorf(format, args...)}
}
