package kernel

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"nucleus/kernel/kfmt"
)

func TestPanic(t *testing.T) {
	defer SetHaltFunc(func() {})

	t.Run("with error", func(t *testing.T) {
		hook := test.NewLocal(kfmt.Log)
		var haltCalled bool
		SetHaltFunc(func() { haltCalled = true })

		Panic(&Error{Module: "test", Message: "panic test"})

		require.True(t, haltCalled, "expected the registered halt function to be called by Panic")
		require.NotEmpty(t, hook.Entries)
		last := hook.LastEntry()
		require.Equal(t, "test", last.Data["module"])
		require.Equal(t, "panic test", last.Data["reason"])
	})

	t.Run("without error", func(t *testing.T) {
		hook := test.NewLocal(kfmt.Log)
		var haltCalled bool
		SetHaltFunc(func() { haltCalled = true })

		Panic(nil)

		require.True(t, haltCalled)
		require.NotEmpty(t, hook.Entries)
		require.Equal(t, "kernel panic: system halted", hook.LastEntry().Message)
	})

	t.Run("string argument", func(t *testing.T) {
		hook := test.NewLocal(kfmt.Log)
		var haltCalled bool
		SetHaltFunc(func() { haltCalled = true })

		Panic("boom")

		require.True(t, haltCalled)
		require.Equal(t, "boom", hook.LastEntry().Data["reason"])
	})
}
