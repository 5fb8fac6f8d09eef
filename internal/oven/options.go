package oven

import (
	"io"
	"time"

	"github.com/oblq/reflowctl/internal/report"
	"github.com/sirupsen/logrus"
)

// Config holds the session configuration.
type Config struct {
	// ReadTimeout bounds a single input report read.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single output report write.
	WriteTimeout time.Duration

	// Retries is the number of extra attempts for a failed transfer,
	// each one on a freshly opened device.
	Retries int

	// InputReportSize is the input report length, report ID included.
	InputReportSize int

	// OutputReportSize is the output report length, report ID included.
	OutputReportSize int

	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	return Config{
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		InputReportSize:  report.InputReportSize,
		OutputReportSize: report.OutputReportSize,
		Logger:           discard,
	}
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithTimeout sets both read and write timeouts.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReadTimeout = timeout
			c.WriteTimeout = timeout
		}
	}
}

// WithReadTimeout sets the read timeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReadTimeout = timeout
		}
	}
}

// WithWriteTimeout sets the write timeout.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.WriteTimeout = timeout
		}
	}
}

// WithRetries sets the number of retry attempts for failed transfers.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithReportSize overrides the device report lengths.
// Sizes smaller than the protocol minimum are ignored.
func WithReportSize(input, output int) Option {
	return func(c *Config) {
		if input >= report.InputReportSize {
			c.InputReportSize = input
		}
		if output >= report.OutputReportSize {
			c.OutputReportSize = output
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
