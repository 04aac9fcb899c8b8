package goroutine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	func() {
		defer Recover("quiet", logger)
	}()
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("sweeper", logger)
		panic("test panic message")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sweeper", fields["goroutine"])
	assert.Equal(t, "test panic message", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic(errors.New("boom"))
	})
}

func TestRecoverError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	fetch := func() (err error) {
		defer RecoverError("provider openphish", &err, logger)
		var m map[string]int
		m["x"] = 1
		return nil
	}

	err := fetch()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in provider openphish")
	assert.Len(t, logs.All(), 1)
}

func TestRecoverError_KeepsReturnedError(t *testing.T) {
	sentinel := errors.New("feed down")
	fetch := func() (err error) {
		defer RecoverError("provider", &err, zaptest.NewLogger(t).Sugar())
		return sentinel
	}
	assert.ErrorIs(t, fetch(), sentinel)
}
