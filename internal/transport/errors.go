package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrReadTimeout  = errors.New("read timeout")
	ErrLineTooLong  = errors.New("line exceeds maximum length")
)

// Error is returned for every failed socket operation. Any Error other than a read
// timeout means the connection must be treated as dead.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Timeout() bool {
	return errors.Is(e.Err, ErrReadTimeout)
}

// IsTimeout reports whether err is a read timeout on an otherwise healthy connection.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Timeout()
}
