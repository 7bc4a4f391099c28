package bookmark

import "errors"

// Sentinel errors shared across packages.
var (
	ErrNotFound          = errors.New("bookmark not found")
	ErrInvalidURL        = errors.New("invalid url")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrBodyTooLarge      = errors.New("response body exceeds size limit")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
)

// PermanentError marks a failure that no amount of retrying will fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether any error in the chain is a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
