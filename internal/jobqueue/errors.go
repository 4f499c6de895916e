package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueEmpty is returned by Pop when no descriptors remain in the session.
	ErrQueueEmpty = errors.New("jobqueue: queue is empty")
	// ErrFetch matches every *FetchError.
	ErrFetch = errors.New("jobqueue: fetch failed")
	// ErrParse matches every *ParseError.
	ErrParse = errors.New("jobqueue: parse failed")
)

// FetchError reports that a job payload could not be downloaded.
type FetchError struct {
	Descriptor Descriptor
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch job %s: %v", e.Descriptor, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFetch.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// ParseError reports that a job payload was downloaded but is not usable.
type ParseError struct {
	Descriptor Descriptor
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse job %s: %v", e.Descriptor, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports whether target is ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }
