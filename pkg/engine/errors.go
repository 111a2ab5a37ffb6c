package engine

import "fmt"

// ResetError reports that the peer reset a stream while we were reading it.
// Terminal for that stream's read side.
type ResetError struct {
	Code ApplicationErrorCode
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("stream reset by peer, code %d", e.Code)
}

// StoppedError reports that the peer asked us to stop sending on a stream.
// Terminal for that stream's write side.
type StoppedError struct {
	Code ApplicationErrorCode
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("peer stopped accepting writes, code %d", e.Code)
}

// ExpiredStreamError reports that a stream id is no longer known to the
// engine. Always a caller bug: the stream already finished, was destroyed,
// or never existed.
type ExpiredStreamError struct {
	Stream StreamID
}

func (e *ExpiredStreamError) Error() string {
	return fmt.Sprintf("stream %d is no longer known to the connection", e.Stream)
}
