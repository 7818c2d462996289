package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Torrent        string        `mapstructure:"torrent"`
	OutputDir      string        `mapstructure:"output"`
	Port           int           `mapstructure:"port"`
	MaxPeers       int           `mapstructure:"max-peers"`
	MaxUnchoked    int           `mapstructure:"max-unchoked"`
	MaxOutstanding int           `mapstructure:"max-outstanding"`
	ChokeInterval  time.Duration `mapstructure:"choke-interval"`
	SliceTimeout   time.Duration `mapstructure:"slice-timeout"`
	KeepAlive      time.Duration `mapstructure:"keep-alive"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`
	UploadRate     string        `mapstructure:"upload-rate"`
	Seed           bool          `mapstructure:"seed"`
	Progress       bool          `mapstructure:"progress"`
	LogFile        string        `mapstructure:"log-file"`
	LogLevel       string        `mapstructure:"log-level"`
}

// Default mirrors the values Load falls back to.
func Default() Config {
	return Config{
		OutputDir:      ".",
		Port:           6881,
		MaxPeers:       30,
		MaxUnchoked:    3,
		MaxOutstanding: 5,
		ChokeInterval:  30 * time.Second,
		SliceTimeout:   30 * time.Second,
		KeepAlive:      110 * time.Second,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Minute,
		Progress:       true,
		LogFile:        "log.txt",
		LogLevel:       "error",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("output", d.OutputDir)
	v.SetDefault("port", d.Port)
	v.SetDefault("max-peers", d.MaxPeers)
	v.SetDefault("max-unchoked", d.MaxUnchoked)
	v.SetDefault("max-outstanding", d.MaxOutstanding)
	v.SetDefault("choke-interval", d.ChokeInterval)
	v.SetDefault("slice-timeout", d.SliceTimeout)
	v.SetDefault("keep-alive", d.KeepAlive)
	v.SetDefault("dial-timeout", d.DialTimeout)
	v.SetDefault("read-timeout", d.ReadTimeout)
	v.SetDefault("upload-rate", "")
	v.SetDefault("seed", false)
	v.SetDefault("progress", d.Progress)
	v.SetDefault("log-file", d.LogFile)
	v.SetDefault("log-level", d.LogLevel)
}

// Load builds a Config from v. Flags are expected to be bound by the caller;
// an optional config file is read when "config" is set, and SWARM_* environment
// variables override file values.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("swarm")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.MaxPeers <= 0:
		return fmt.Errorf("%w: max-peers must be positive", ErrInvalidConfig)
	case c.MaxUnchoked <= 0:
		return fmt.Errorf("%w: max-unchoked must be positive", ErrInvalidConfig)
	case c.MaxOutstanding <= 0:
		return fmt.Errorf("%w: max-outstanding must be positive", ErrInvalidConfig)
	case c.ChokeInterval <= 0, c.SliceTimeout <= 0, c.DialTimeout <= 0, c.ReadTimeout <= 0:
		return fmt.Errorf("%w: intervals and timeouts must be positive", ErrInvalidConfig)
	case c.KeepAlive < 105*time.Second || c.KeepAlive > 120*time.Second:
		return fmt.Errorf("%w: keep-alive must be within 105s and 120s, got %s", ErrInvalidConfig, c.KeepAlive)
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if _, err := c.UploadLimit(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// UploadLimit parses UploadRate. An empty rate means unlimited.
func (c Config) UploadLimit() (rate.Limit, error) {
	if c.UploadRate == "" {
		return rate.Inf, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.UploadRate)); err != nil {
		return 0, fmt.Errorf("%w: upload-rate %q: %v", ErrInvalidConfig, c.UploadRate, err)
	}
	if size == 0 {
		return rate.Inf, nil
	}
	return rate.Limit(size.Bytes()), nil
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log-level %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}
