package device

import "fmt"

// TransferError indicates an asynchronous transfer failed after being
// issued. Downstream operations waiting on the transfer's event observe the
// same failure through the event chain.
//
// The original underlying error can be accessed via errors.Unwrap.
type TransferError struct {
	Label     string
	Direction Direction
	cause     error
}

// NewTransferError wraps cause for the named transfer.
func NewTransferError(label string, dir Direction, cause error) *TransferError {
	return &TransferError{Label: label, Direction: dir, cause: cause}
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %q (%s) failed: %v", e.Label, e.Direction, e.cause)
}

func (e *TransferError) Unwrap() error { return e.cause }

// InvocationError indicates a kernel invocation failed after being issued.
//
// The original underlying error can be accessed via errors.Unwrap.
type InvocationError struct {
	Label  string
	Kernel string
	cause  error
}

// NewInvocationError wraps cause for the named invocation.
func NewInvocationError(label, kernel string, cause error) *InvocationError {
	return &InvocationError{Label: label, Kernel: kernel, cause: cause}
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation %q (kernel %q) failed: %v", e.Label, e.Kernel, e.cause)
}

func (e *InvocationError) Unwrap() error { return e.cause }

// AllocationError indicates a device buffer could not be reserved. It is
// fatal for pipeline construction.
//
// The original underlying error can be accessed via errors.Unwrap.
type AllocationError struct {
	Size  int
	cause error
}

// NewAllocationError wraps cause for a failed allocation of size bytes.
func NewAllocationError(size int, cause error) *AllocationError {
	return &AllocationError{Size: size, cause: cause}
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("device allocation of %d bytes failed: %v", e.Size, e.cause)
}

func (e *AllocationError) Unwrap() error { return e.cause }
