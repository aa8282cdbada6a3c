package transport

import "fmt"

// CommError indicates that communication with the target was lost mid
// operation. It is always fatal to the operation in flight and is never
// retried below the caller.
type CommError struct {
	// Op names the access that failed, e.g. "read32" or "write block".
	Op string

	// Addr is the target address involved, if any.
	Addr uint32

	// Err is the underlying link error.
	Err error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("target communication lost during %s at 0x%08X: %v", e.Op, e.Addr, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}
