package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReturnsUsableLoggerAtEachLevel(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		logger := New(level)
		require.NotNil(t, logger)
		require.NotPanics(t, func() {
			logger.Trace("trace %s", "x")
			logger.Debug("debug %s", "x")
			logger.Info("info %s", "x")
			logger.Warn("warn %s", "x")
			logger.Error("error %s", "x")
		})
	}
}
