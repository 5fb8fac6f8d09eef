package oven

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a transfer did not complete in time.
	ErrTimeout = errors.New("transfer timed out")

	// ErrNoData is returned when the device answered a read with zero bytes.
	ErrNoData = errors.New("device returned 0 bytes of data")
)

// TransferError wraps a failed report transfer.
type TransferError struct {
	// Op is "read" or "write".
	Op  string
	N   int
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s report (%d bytes transferred): %v", e.Op, e.N, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
