package uploader

import (
	"errors"
	"fmt"
)

// ErrUnexpectedStatus is the cause of an UploadError for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// UploadError is returned when a frame could not be delivered: the
// connection failed, the request timed out, or the endpoint answered with a
// non-2xx status.
type UploadError struct {
	Path       string
	StatusCode int // 0 when no response was received
	Err        error
}

// Error implements the error interface
func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s: status %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
