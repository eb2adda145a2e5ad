package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/runsession/log"
)

func TestApplyLogLevel(t *testing.T) {
	tests := []struct {
		value string
		want  log.Level
	}{
		{"debug", log.DebugLevel},
		{"warn", log.WarnLevel},
		{"", log.InfoLevel},
		{"bogus", log.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			log.ResetDefault(log.New(io.Discard, log.InfoLevel))
			v := viper.New()
			v.Set("log-level", tt.value)
			applyLogLevel(v)
			assert.Equal(t, tt.want, log.Default().Level())
		})
	}
}

func TestWatchConfigReloadsLogLevel(t *testing.T) {
	log.ResetDefault(log.New(io.Discard, log.InfoLevel))
	file := filepath.Join(t.TempDir(), "rsm.yml")
	require.NoError(t, os.WriteFile(file, []byte("log-level: info\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	watchConfig(v)

	require.NoError(t, os.WriteFile(file, []byte("log-level: debug\n"), 0o600))
	assert.Eventually(t, func() bool { return log.Default().Level() == log.DebugLevel },
		5*time.Second, 10*time.Millisecond)
}
