package storage

import (
	"errors"
	"fmt"
)

var (
	ErrEncryption = errors.New("encryption failed")
	ErrDecryption = errors.New("decryption failed")
	ErrNotFound   = errors.New("reference not found")
	ErrProvider   = errors.New("storage provider error")
)

// Error is returned by storage operations, Op names the failed operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
