package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError is a malformed, out of order or corrupted frame. Fatal to the session.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

func NewProtocolError(format string, a ...interface{}) error {
	return errors.WithStack(&ProtocolError{Msg: fmt.Sprintf(format, a...)})
}

// RemoteError is a command the monitor rejected.
type RemoteError struct {
	Op     string
	Status int64
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected %s (status %d)", e.Op, e.Status)
}

// GuestTrapError is a trap no handler could deal with. It is recovered by
// dropping into the shell.
type GuestTrapError struct {
	Reason StartReason
	Code   uint32
	ESR    uint64
	Msg    string
}

func (e *GuestTrapError) Error() string {
	return fmt.Sprintf("unhandled guest trap %s/%d esr=0x%x: %s", e.Reason, e.Code, e.ESR, e.Msg)
}

// ErrUserInterrupt is not a failure: it asks for the shell at the next safe point.
var ErrUserInterrupt = errors.New("user interrupt")

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
