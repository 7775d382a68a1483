package xbb

import (
	"errors"
	"fmt"
)

// Sentinel decode failures, matchable with errors.Is.
var (
	ErrLength   = errors.New("bad length")
	ErrFraming  = errors.New("bad framing")
	ErrChecksum = errors.New("bad checksum")
)

// DecodeError describes why a frame was rejected. It wraps one of the
// sentinels above.
type DecodeError struct {
	Frame  string // "measurement", "response", "mcu"
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %s: %v", e.Frame, e.Detail, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(frame string, err error, format string, args ...any) error {
	return &DecodeError{Frame: frame, Detail: fmt.Sprintf(format, args...), Err: err}
}
