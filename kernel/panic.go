package kernel

import (
	"github.com/pkg/errors"

	"nucleus/kernel/kfmt"
)

var (
	// haltFn is bound once by kcore at wiring time to the active hal.CPU's
	// Halt method; it defaults to a no-op so that packages which only
	// exercise Panic indirectly (e.g. in tests) don't need a CPU.
	haltFn = func() {}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltFunc registers the function Panic calls after logging. kcore.New
// binds this to a function that disables IRQs on the wired CPU 0 and then
// calls its Halt method.
func SetHaltFunc(fn func()) {
	haltFn = fn
}

// Panic logs the supplied error (if not nil) and calls the registered halt
// function. Panic returns once that function returns; a hosted halt
// function (such as sim.CPU.Halt) records the halt rather than stopping
// the goroutine. It is the single surfacing point for the
// CorruptedInvariant error kind (spec.md §7): "panic(file, line, msg) that
// disables interrupts and halts the current CPU".
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	if err != nil {
		kfmt.Fatal("kernel panic", "module", err.Module, "reason", err.Message,
			"trace", errors.WithStack(err))
	} else {
		kfmt.Fatal("kernel panic: system halted")
	}

	haltFn()
}
