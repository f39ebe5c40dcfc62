// Package config resolves the trainer settings from flags, the environment,
// an optional YAML file and struct defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/erg-engine/internal/hrcontrol"
	"github.com/lowaak/smart-trainer/erg-engine/internal/supervisor"
)

const (
	EnvPrefix    = "ERG"
	DirName      = ".erg-trainer"
	FileName     = "config"
	DatabaseName = "rides.db"
	LogName      = "erg-trainer.log"
	FITDirName   = "fit"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// flagKeys maps flags whose names do not follow the key they set.
var flagKeys = map[string]string{
	"state-feed": "state_feed.addr",
	"log-file":   "log.file",
	"sim-port":   "sim.http_port",
}

type Config struct {
	FTP         int    `mapstructure:"ftp" default:"220"`
	MaxHR       int    `mapstructure:"max_hr" default:"185"`
	DataDir     string `mapstructure:"data_dir"`
	Workout     string `mapstructure:"workout" default:"30-min-endurance"`
	WorkoutFile string `mapstructure:"workout_file"`
	WorkoutDir  string `mapstructure:"workout_dir"`
	Mock        bool   `mapstructure:"mock"`
	Trainer     string `mapstructure:"trainer"`
	HR          string `mapstructure:"hr"`
	AutoSelect  bool   `mapstructure:"auto_select" default:"true"`
	ExportFIT   bool   `mapstructure:"export_fit"`

	Log       LogConfig       `mapstructure:"log"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	HRControl HRControlConfig `mapstructure:"hr_control"`
	StateFeed StateFeedConfig `mapstructure:"state_feed"`
	Sim       SimConfig       `mapstructure:"sim"`
}

type LogConfig struct {
	// File defaults to erg-trainer.log in the data directory.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" default:"10"`
	MaxBackups int    `mapstructure:"max_backups" default:"3"`
	MaxAgeDays int    `mapstructure:"max_age_days" default:"28"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" default:"1s"`
	MaxAttempts int           `mapstructure:"max_attempts" default:"6"`
}

type HRControlConfig struct {
	Kp     float64       `mapstructure:"kp" default:"0.5"`
	Ki     float64       `mapstructure:"ki" default:"0.05"`
	Settle time.Duration `mapstructure:"settle" default:"30s"`
}

type StateFeedConfig struct {
	// Addr is the listen address of the WebSocket feed. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type SimConfig struct {
	// HTTPPort is the base port of the simulator control APIs. 0 disables them.
	HTTPPort int `mapstructure:"http_port" default:"9900"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	defaults.SetDefaults(&c)
	if home, err := os.UserHomeDir(); err == nil {
		c.DataDir = filepath.Join(home, DirName)
	} else {
		c.DataDir = DirName
	}
	return c
}

// Load resolves the configuration. configFile, when set, must exist;
// otherwise config.yaml in the default data directory is read if present.
// Flags are bound by name with dashes mapped to underscores, so --data-dir
// sets data_dir, except for the few listed in flagKeys. Only flags the user
// actually set override other sources.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	def := Default()
	v := viper.New()
	registerDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(def.DataDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			if !isKnown(v, key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func isKnown(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func registerDefaults(v *viper.Viper, c Config) {
	v.SetDefault("ftp", c.FTP)
	v.SetDefault("max_hr", c.MaxHR)
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("workout", c.Workout)
	v.SetDefault("workout_file", c.WorkoutFile)
	v.SetDefault("workout_dir", c.WorkoutDir)
	v.SetDefault("mock", c.Mock)
	v.SetDefault("trainer", c.Trainer)
	v.SetDefault("hr", c.HR)
	v.SetDefault("auto_select", c.AutoSelect)
	v.SetDefault("export_fit", c.ExportFIT)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("log.max_size_mb", c.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", c.Log.MaxBackups)
	v.SetDefault("log.max_age_days", c.Log.MaxAgeDays)
	v.SetDefault("reconnect.base_delay", c.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_attempts", c.Reconnect.MaxAttempts)
	v.SetDefault("hr_control.kp", c.HRControl.Kp)
	v.SetDefault("hr_control.ki", c.HRControl.Ki)
	v.SetDefault("hr_control.settle", c.HRControl.Settle)
	v.SetDefault("state_feed.addr", c.StateFeed.Addr)
	v.SetDefault("sim.http_port", c.Sim.HTTPPort)
}

func (c Config) Validate() error {
	var problems []string
	if c.FTP <= 0 {
		problems = append(problems, fmt.Sprintf("ftp must be positive, got %d", c.FTP))
	}
	if c.MaxHR <= 0 {
		problems = append(problems, fmt.Sprintf("max_hr must be positive, got %d", c.MaxHR))
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Reconnect.BaseDelay <= 0 {
		problems = append(problems, "reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxAttempts < 1 {
		problems = append(problems, "reconnect.max_attempts must be at least 1")
	}
	if c.HRControl.Kp < 0 || c.HRControl.Ki < 0 {
		problems = append(problems, "hr_control gains must not be negative")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		problems = append(problems, "log rotation limits must not be negative")
	}
	if c.Sim.HTTPPort < 0 || c.Sim.HTTPPort > 65532 {
		problems = append(problems, fmt.Sprintf("sim.http_port out of range: %d", c.Sim.HTTPPort))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseName)
}

func (c Config) LogPath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, LogName)
}

func (c Config) FITDir() string {
	return filepath.Join(c.DataDir, FITDirName)
}

// HRControlOptions returns controller options with the configured gains;
// everything else keeps the controller defaults.
func (c Config) HRControlOptions() hrcontrol.Options {
	var opts hrcontrol.Options
	defaults.SetDefaults(&opts)
	opts.Kp = c.HRControl.Kp
	opts.Ki = c.HRControl.Ki
	opts.Settle = c.HRControl.Settle
	return opts
}

func (c Config) SupervisorOptions() supervisor.Options {
	var opts supervisor.Options
	defaults.SetDefaults(&opts)
	opts.BaseDelay = c.Reconnect.BaseDelay
	opts.MaxAttempts = c.Reconnect.MaxAttempts
	opts.AutoSelect = c.AutoSelect
	return opts
}
