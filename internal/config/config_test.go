package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("ftp", 220, "")
	flags.String("data-dir", "", "")
	flags.Bool("mock", false, "")
	flags.String("state-feed", "", "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, 220, c.FTP)
	assert.Equal(t, filepath.Join(home, DirName), c.DataDir)
	assert.True(t, c.AutoSelect)
	assert.Equal(t, 10, c.Log.MaxSizeMB)
	assert.Equal(t, 3, c.Log.MaxBackups)
	assert.Equal(t, 28, c.Log.MaxAgeDays)
	assert.Equal(t, time.Second, c.Reconnect.BaseDelay)
	assert.Equal(t, 6, c.Reconnect.MaxAttempts)
	assert.Equal(t, 0.5, c.HRControl.Kp)
	assert.Equal(t, 30*time.Second, c.HRControl.Settle)
	assert.Equal(t, 9900, c.Sim.HTTPPort)
	assert.Empty(t, c.StateFeed.Addr)

	assert.Equal(t, filepath.Join(home, DirName, DatabaseName), c.DatabasePath())
	assert.Equal(t, filepath.Join(home, DirName, LogName), c.LogPath())
}

func TestLoadPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
ftp: 250
data_dir: /tmp/erg-from-file
mock: true
log:
  max_size_mb: 20
reconnect:
  base_delay: 3s
hr_control:
  kp: 0.8
`), 0o644))
	t.Setenv("ERG_LOG_MAX_SIZE_MB", "50")
	t.Setenv("ERG_RECONNECT_BASE_DELAY", "2s")

	c, err := Load(testFlags(t, "--ftp=300", "--state-feed=127.0.0.1:8081"), file)
	require.NoError(t, err)
	assert.Equal(t, 300, c.FTP, "flag beats file")
	assert.Equal(t, "/tmp/erg-from-file", c.DataDir, "unset flag keeps the file value")
	assert.True(t, c.Mock)
	assert.Equal(t, 50, c.Log.MaxSizeMB, "env beats file")
	assert.Equal(t, 2*time.Second, c.Reconnect.BaseDelay)
	assert.Equal(t, 0.8, c.HRControl.Kp)
	assert.Equal(t, 0.05, c.HRControl.Ki, "untouched keys keep defaults")
	assert.Equal(t, "127.0.0.1:8081", c.StateFeed.Addr)
}

func TestLoadReadsDefaultConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, DirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, DirName, FileName+".yaml"), []byte("workout: 5x5-threshold\n"), 0o644))

	c, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "5x5-threshold", c.Workout)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(testFlags(t, "--ftp=0"), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("ERG_RECONNECT_MAX_ATTEMPTS", "0")
	_, err = Load(nil, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDerivedOptions(t *testing.T) {
	c := Default()
	c.HRControl.Kp = 1.2
	c.Reconnect.MaxAttempts = 3
	c.AutoSelect = false

	hr := c.HRControlOptions()
	assert.Equal(t, 1.2, hr.Kp)
	assert.Equal(t, 100.0, hr.MaxPct)

	sup := c.SupervisorOptions()
	assert.Equal(t, 3, sup.MaxAttempts)
	assert.False(t, sup.AutoSelect)
	assert.Equal(t, 10*time.Second, sup.ConnectTimeout)

	c.Log.File = "/var/log/erg.log"
	assert.Equal(t, "/var/log/erg.log", c.LogPath())
}
