package chlink

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by programmers. Use errors.Is to test for them; most are
// wrapped in an *OpError naming the failing step.
var (
	// ErrUnsupported is returned by capabilities a backend does not implement.
	ErrUnsupported = errors.New("operation not supported by this programmer")
	// ErrClosed is returned by any operation issued after Exit.
	ErrClosed = errors.New("programmer has been closed")
	// ErrNoDevice is returned when no adapter or serial port could be opened.
	ErrNoDevice = errors.New("no programmer found")
	// ErrNoTarget is returned when the adapter reports that no chip is attached.
	ErrNoTarget = errors.New("nothing connected to programmer")
	// ErrBadReply is returned when a reply has an unexpected length or layout.
	ErrBadReply = errors.New("malformed reply")
	// ErrNotFlashBase is returned when a write targets an address the backend cannot program.
	ErrNotFlashBase = errors.New("address is fixed to the start of flash")
	// ErrRetryExhausted is returned when a bounded poll ran out of attempts.
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrImageTooLarge is returned by CheckImageSize.
	ErrImageTooLarge = errors.New("image does not fit in flash")
	// ErrInvalidHaltMode is returned for halt modes other than reset and running.
	ErrInvalidHaltMode = errors.New("invalid halt mode")
	// ErrChecksum is returned when a boot ROM frame fails its checksum.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrTimeout is returned when a transport read returned no data in time.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrVerify is returned when read-back data does not match the image.
	ErrVerify = errors.New("verification failed")
)

// OpError records the operation during which an error happened.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func wrapErr(op string, err *error) {
	if *err != nil {
		*err = &OpError{Op: op, Err: *err}
	}
}

func unsupported(op string) error {
	return &OpError{Op: op, Err: ErrUnsupported}
}

// Stage identifies a step of the boot ROM write sequence.
type Stage int

// Boot ROM write stages, in the order they run.
const (
	StageErase Stage = iota
	StageProgram
	StageVerify
	StageEnd
)

func (s Stage) String() string {
	switch s {
	case StageErase:
		return "erase"
	case StageProgram:
		return "program"
	case StageVerify:
		return "verify"
	case StageEnd:
		return "end"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError reports which stage of a boot ROM write failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StatusError is returned when the boot ROM answers a frame with a non-zero status.
type StatusError struct {
	Command byte
	Status  [2]byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command %02x returned status %02x %02x", e.Command, e.Status[0], e.Status[1])
}

// AbstractCommandError carries the cmderr field of a failed abstract command.
type AbstractCommandError struct {
	Code uint32
}

func (e *AbstractCommandError) Error() string {
	return fmt.Sprintf("abstract command failed with cmderr %d (%v)", e.Code, cmdErrString(e.Code))
}

func cmdErrString(code uint32) string {
	switch code {
	case 1:
		return "busy"
	case 2:
		return "not supported"
	case 3:
		return "exception"
	case 4:
		return "halt/resume"
	case 5:
		return "bus"
	case 7:
		return "other"
	default:
		return "unknown"
	}
}
