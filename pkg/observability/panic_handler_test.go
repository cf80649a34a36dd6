package observability

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRecoverPanicSwallowsPanic(t *testing.T) {
	require.NotPanics(t, func() {
		defer RecoverPanic(discardLogger(), "test")
		panic("boom")
	})
}

func TestRecoverPanicWithCallbackRunsCleanup(t *testing.T) {
	var cleaned bool
	require.NotPanics(t, func() {
		defer RecoverPanicWithCallback(discardLogger(), "test", func() { cleaned = true })
		panic("boom")
	})
	assert.True(t, cleaned)

	// The callback only runs on a panic.
	cleaned = false
	func() {
		defer RecoverPanicWithCallback(discardLogger(), "test", func() { cleaned = true })
	}()
	assert.False(t, cleaned)
}

func TestMustRecover(t *testing.T) {
	assert.NoError(t, MustRecover(nil))

	err := MustRecover("boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
