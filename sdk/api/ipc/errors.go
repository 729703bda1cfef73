package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateAddress is returned when a frame address is already registered.
	ErrDuplicateAddress = errors.New("frame address already registered")
	// ErrSerialization is returned when a payload cannot cross the process boundary.
	ErrSerialization = errors.New("serialization failure")
	// ErrNoHandler is returned to a requester when nothing answers the channel.
	ErrNoHandler = errors.New("no handler for channel")
	// ErrInvalidFrame is returned when a frame descriptor is rejected by the host.
	ErrInvalidFrame = errors.New("invalid frame descriptor")
)

// Wire error codes.
const (
	CodeDuplicateAddress = "duplicate_address"
	CodeSerialization    = "serialization"
	CodeNoHandler        = "no_handler"
	CodeInvalidFrame     = "invalid_frame"
	CodeInternal         = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeDuplicateAddress, ErrDuplicateAddress},
	{CodeSerialization, ErrSerialization},
	{CodeNoHandler, ErrNoHandler},
	{CodeInvalidFrame, ErrInvalidFrame},
}

// CodeOf maps err onto a wire error code.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// RemoteError is an error reported by the opposite endpoint of a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel matching Code so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
