package table

import (
	"errors"
	"fmt"
)

var (
	// ErrNoColumns is returned when a host buffer is requested for a table
	// with no column definitions.
	ErrNoColumns = errors.New("table: no columns defined")
	// ErrHostNotAllocated is returned when an operation needs the host
	// buffer before AllocateHost was called.
	ErrHostNotAllocated = errors.New("table: host buffer not allocated")
	// ErrAlreadyAllocated is returned when an allocation is repeated. Device
	// buffers are fixed-size for their lifetime and never reallocated.
	ErrAlreadyAllocated = errors.New("table: buffer already allocated")
	// ErrCapacityExceeded is returned when a row count would exceed the
	// table's fixed capacity.
	ErrCapacityExceeded = errors.New("table: capacity exceeded")
)

// LoadError indicates a table could not be populated from its source.
// It is fatal for the table's consumers and surfaces before any device work
// starts.
//
// The original underlying error can be accessed via errors.Unwrap.
type LoadError struct {
	Table  string
	Column string
	cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load table %q column %q: %v", e.Table, e.Column, e.cause)
}

func (e *LoadError) Unwrap() error { return e.cause }
