// Package kernel provides the types shared by every kernel-core subsystem:
// the Error sum type and the Panic entry point used for the corrupted-
// invariant class of failure (spec.md §7).
package kernel

// Error describes a kernel error. Errors are defined as global variables
// that are pointers to the Error structure so that callers can compare by
// identity, the way the teacher's own sentinel errors do.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
