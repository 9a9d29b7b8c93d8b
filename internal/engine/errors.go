package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned for operations the channel's state forbids,
	// such as Send on a channel that is not open.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument is returned for malformed payloads and options.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBackpressure is returned by Send under the fail policy while the
	// channel's buffered amount is above the high-water mark.
	ErrBackpressure = errors.New("buffered amount above high-water mark")
	// ErrStreamsExhausted is returned when no stream id is free.
	ErrStreamsExhausted = errors.New("no stream id available")
	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// TransportError reports that the association refused a message written
// during Send. The message was dropped; the channel stays open.
type TransportError struct {
	StreamID uint16
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream %d: transport write failed: %v", e.StreamID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
