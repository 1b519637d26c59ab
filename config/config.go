// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug                   bool
	RootDir                 string
	LoggingPrefix           string
	APIURL                  string
	RealtimeURL             string
	AuthToken               string
	RequestTimeoutMs        int64
	DistributionBatchSize   int
	DedupWindowMs           int64
	MaxRetriesPerDevice     int
	PendingRetryIntervalMs  int64
	ActiveDeviceWindowMs    int64
	MaxSenderKeyForwardJump uint32
	writer                  io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level)
	if c.writer == nil {
		return zap.New(consoleCore, opts...).Sugar()
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level),
		consoleCore,
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithAPIURL(u string) Option {
	return func(c *Config) {
		c.APIURL = u
	}
}

func WithRealtimeURL(u string) Option {
	return func(c *Config) {
		c.RealtimeURL = u
	}
}

func WithAuthToken(t string) Option {
	return func(c *Config) {
		c.AuthToken = t
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

// WithDistributionBatchSize sets how many per-device units run together during
// sender key distribution and 1:1 fan-out.
func WithDistributionBatchSize(n int) Option {
	return func(c *Config) {
		c.DistributionBatchSize = n
	}
}

func WithDedupWindowMs(n int64) Option {
	return func(c *Config) {
		c.DedupWindowMs = n
	}
}

func WithMaxRetriesPerDevice(n int) Option {
	return func(c *Config) {
		c.MaxRetriesPerDevice = n
	}
}

func WithPendingRetryIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PendingRetryIntervalMs = n
	}
}

func WithActiveDeviceWindowMs(n int64) Option {
	return func(c *Config) {
		c.ActiveDeviceWindowMs = n
	}
}

// WithoutLogFile disables the rotating log file, leaving only console output.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.RootDir = ""
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                   os.Getenv("DEBUG") == "1",
		RootDir:                 ".",
		LoggingPrefix:           "",
		RequestTimeoutMs:        10000,
		DistributionBatchSize:   15,
		DedupWindowMs:           60 * 60 * 1000,
		MaxRetriesPerDevice:     2,
		PendingRetryIntervalMs:  30000,
		ActiveDeviceWindowMs:    30 * 24 * 60 * 60 * 1000,
		MaxSenderKeyForwardJump: 2000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.RootDir != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}

type fileConfig struct {
	Debug                  *bool   `yaml:"debug"`
	RootDir                *string `yaml:"root_dir"`
	LoggingPrefix          *string `yaml:"logging_prefix"`
	APIURL                 *string `yaml:"api_url"`
	RealtimeURL            *string `yaml:"realtime_url"`
	AuthToken              *string `yaml:"auth_token"`
	RequestTimeoutMs       *int64  `yaml:"request_timeout_ms"`
	DistributionBatchSize  *int    `yaml:"distribution_batch_size"`
	DedupWindowMs          *int64  `yaml:"dedup_window_ms"`
	MaxRetriesPerDevice    *int    `yaml:"max_retries_per_device"`
	PendingRetryIntervalMs *int64  `yaml:"pending_retry_interval_ms"`
	ActiveDeviceWindowMs   *int64  `yaml:"active_device_window_ms"`
}

// LoadFile reads a YAML file and returns the options it sets. Pass explicit
// options after these to override file values.
func LoadFile(path string) ([]Option, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	var opts []Option
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.APIURL != nil {
		opts = append(opts, WithAPIURL(*fc.APIURL))
	}
	if fc.RealtimeURL != nil {
		opts = append(opts, WithRealtimeURL(*fc.RealtimeURL))
	}
	if fc.AuthToken != nil {
		opts = append(opts, WithAuthToken(*fc.AuthToken))
	}
	if fc.RequestTimeoutMs != nil {
		opts = append(opts, WithRequestTimeoutMs(*fc.RequestTimeoutMs))
	}
	if fc.DistributionBatchSize != nil {
		opts = append(opts, WithDistributionBatchSize(*fc.DistributionBatchSize))
	}
	if fc.DedupWindowMs != nil {
		opts = append(opts, WithDedupWindowMs(*fc.DedupWindowMs))
	}
	if fc.MaxRetriesPerDevice != nil {
		opts = append(opts, WithMaxRetriesPerDevice(*fc.MaxRetriesPerDevice))
	}
	if fc.PendingRetryIntervalMs != nil {
		opts = append(opts, WithPendingRetryIntervalMs(*fc.PendingRetryIntervalMs))
	}
	if fc.ActiveDeviceWindowMs != nil {
		opts = append(opts, WithActiveDeviceWindowMs(*fc.ActiveDeviceWindowMs))
	}
	return opts, nil
}
