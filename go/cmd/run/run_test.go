package run

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	var f flags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindFlags(fs, &f)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	var f flags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindFlags(fs, &f)
	require.NoError(t, fs.Parse(nil))
	cfg, err := loadConfig(fs, &f)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0:115200", cfg.Device)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.True(t, cfg.Log.Pretty)
	assert.Empty(t, cfg.Breakpoints)
	assert.False(t, cfg.Color, "tests never run on a terminal")
}

func TestLoadConfigFlags(t *testing.T) {
	var f flags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindFlags(fs, &f)
	require.NoError(t, fs.Parse([]string{
		"-d", "tcp://127.0.0.1:9999",
		"--timeout", "2s",
		"-b", "start", "-b", "loop+0x10",
		"--log-json",
	}))
	cfg, err := loadConfig(fs, &f)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:9999", cfg.Device)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"start", "loop+0x10"}, cfg.Breakpoints)
	assert.False(t, cfg.Log.Pretty)
}

func TestUnsetFlagsKeepConfig(t *testing.T) {
	fs := parse(t, "--no-watch")
	assert.False(t, fs.Changed("device"))
	assert.True(t, fs.Changed("no-watch"))
}
