package tracking

import "fmt"

// ParseError reports that the request body could not be decoded. It
// propagates out of Begin unmodified: the host's error handling needs
// to see it exactly once, so the builder never swallows it.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("request body parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps any sink write failure. The builder catches
// it at the top of Finish; it never reaches the request caller.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("request log persistence error: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
