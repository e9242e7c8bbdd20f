// Package kfmt centralizes kernel-core logging. The teacher's
// kernel/kfmt/early package wrapped hal.ActiveTerminal with a hand-rolled,
// allocation-free Printf because no heap existed yet at the call sites it
// serves (pool bootstrap, PDT bootstrap, panic). This module runs hosted,
// so the same call sites go through a structured logger instead, but they
// keep the teacher's shape: a handful of package-level helpers called
// directly from init/fault/panic paths, no logger instances threaded
// through every function signature.
package kfmt

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger. Tests may swap its output via SetOutput or
// install a logrus test hook.
var Log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Boot logs a boot/init-time message, mirroring early.Printf's call sites in
// allocator.Init/BootMemAllocator.Init.
func Boot(msg string, kv ...interface{}) {
	Log.WithFields(fields(kv)).Info(msg)
}

// Warn logs a recoverable anomaly (a PFA double-free or out-of-range free,
// a heap free of an unknown pointer) — logged and otherwise ignored per the
// §7 error-handling policy table.
func Warn(msg string, kv ...interface{}) {
	Log.WithFields(fields(kv)).Warn(msg)
}

// Fatal logs an unrecoverable condition immediately before the caller halts
// the CPU (kernel.Panic is the only caller).
func Fatal(msg string, kv ...interface{}) {
	Log.WithFields(fields(kv)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}
