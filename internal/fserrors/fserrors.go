// Package fserrors classifies errors as retriable or fatal, mirroring
// github.com/rclone/rclone/fs/fserrors (RetryError / NoRetryError /
// IsRetryError), used throughout rclone's backends, e.g.
// fserrors.NoRetryError in backend/local/local.go.
package fserrors

import "errors"

// retryError wraps an error that a caller should retry.
type retryError struct{ err error }

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// RetryError marks err as retriable. A nil err returns nil.
func RetryError(err error) error {
	if err == nil {
		return nil
	}
	return &retryError{err}
}

// IsRetryError reports whether err (or anything it wraps) was marked
// retriable with RetryError.
func IsRetryError(err error) bool {
	var re *retryError
	return errors.As(err, &re)
}

// fatalError wraps an error that must abort the whole operation
// rather than being retried at any level.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// FatalError marks err as non-retriable and scan-aborting. A nil err
// returns nil.
func FatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err}
}

// IsFatalError reports whether err was marked with FatalError.
func IsFatalError(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
