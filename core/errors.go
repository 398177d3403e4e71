package core

import (
	"errors"
	"fmt"
)

var (
	ErrServerClosed    = errors.New("server is closed")
	ErrChannelNotFound = errors.New("can not find channel")
	ErrSessionNotFound = errors.New("can not find session")
)

// MissingKeyError reports an inbound envelope without one of the
// required fields. Malformed client input is expected; callers match
// this with errors.As and drop the frame instead of tearing down the
// connection.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing key %q", e.Key)
}

// InvalidFieldError reports a field that is present but unusable.
type InvalidFieldError struct {
	Key    string
	Value  any
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid value %v for key %q: %s", e.Value, e.Key, e.Reason)
}

// InvalidFrameError reports inbound bytes that parsed but did not have
// the expected top-level shape. It names the serializer and echoes the
// offending value for diagnosis.
type InvalidFrameError struct {
	Serializer string
	Value      any
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("%s expected an object, got %v", e.Serializer, e.Value)
}
