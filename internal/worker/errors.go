package worker

import "errors"

// ErrMissingCategory is returned for geo jobs without a business category.
var ErrMissingCategory = errors.New("worker: geo job needs a category")

// PermanentError marks a job that can never succeed as written. The worker
// dead-letters it instead of keeping it for a later pass.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
