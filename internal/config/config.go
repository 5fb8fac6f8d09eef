// Package config loads the reflow.yaml configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/oblq/reflowctl/internal/hook"
	"github.com/oblq/reflowctl/internal/reflow"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/modules/reflowcontroller"
)

// DefaultFile is read when no path is given.
const DefaultFile = "reflow.yaml"

type Config struct {
	Device  Device         `yaml:"device"`
	Run     reflow.Config  `yaml:"run"`
	Profile report.Profile `yaml:"profile"`

	// PID is uploaded only when set, otherwise the controller keeps its own gains.
	PID *report.PIDGains `yaml:"pid"`

	Log    Log         `yaml:"log"`
	Server Server      `yaml:"server"`
	Store  Store       `yaml:"store"`
	Redis  Redis       `yaml:"redis"`
	Hooks  hook.Config `yaml:"hooks"`
}

type Device struct {
	reflowcontroller.Config `yaml:",inline"`

	// Timeout bounds every transfer, ReadTimeout and WriteTimeout
	// override it for one direction when set.
	Timeout      time.Duration `yaml:"timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Retries      int           `yaml:"retries"`
}

type Log struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // text or json
	Output   string `yaml:"output"` // stderr, stdout or file
	FilePath string `yaml:"file_path"`
}

type Server struct {
	Addr string `yaml:"addr"`

	// IdleInterval is the controller polling period between runs.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// EventBuffer is the queue length of every telemetry sink.
	EventBuffer int `yaml:"event_buffer"`
}

type Store struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// MinTempChange is the minimum change (in °C) from the last stored sample
	// to store another one within the same stage.
	MinTempChange float64 `yaml:"min_temp_change"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

func Default() *Config {
	return &Config{
		Device: Device{
			Config:       reflowcontroller.DefaultConfig(),
			Timeout: 5 * time.Second,
			Retries: 1,
		},
		Run:     reflow.DefaultConfig(),
		Profile: report.DefaultProfile,
		Log: Log{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Server: Server{
			Addr:         ":8080",
			IdleInterval: 2 * time.Second,
			EventBuffer:  256,
		},
		Store: Store{
			Path:          "reflow.db",
			MinTempChange: 1,
		},
		Redis: Redis{
			Addr:    "localhost:6379",
			Channel: "reflow:events",
		},
	}
}

// Load reads the file at path over the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	} else if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return config, nil
}

// Validate checks the values that can not be fixed with a default.
func (c *Config) Validate() error {
	if c.Device.VendorID == 0 || c.Device.ProductID == 0 {
		return errors.New("device: vendor_id and product_id are required")
	}
	if c.Device.Timeout <= 0 {
		return errors.New("device: timeout must be positive")
	}
	if c.Device.ReadTimeout < 0 || c.Device.WriteTimeout < 0 {
		return errors.New("device: timeouts can not be negative")
	}
	if c.Device.Retries < 0 {
		return errors.New("device: retries can not be negative")
	}

	if c.Run.PollInterval <= 0 {
		return errors.New("run: poll_interval must be positive")
	}
	if c.Run.MaxConsecutiveFailures < 0 {
		return errors.New("run: max_consecutive_failures can not be negative")
	}

	if err := c.Profile.Validate(); err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	switch c.Log.Output {
	case "stderr", "stdout":
	case "file":
		if c.Log.FilePath == "" {
			return errors.New("log: file_path is required with output: file")
		}
	default:
		return fmt.Errorf("log: unknown output %q", c.Log.Output)
	}

	if c.Server.IdleInterval <= 0 {
		return errors.New("server: idle_interval must be positive")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return errors.New("store: path is required")
	}
	if c.Store.MinTempChange < 0 {
		return errors.New("store: min_temp_change can not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis: addr is required")
	}

	return nil
}
