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
)

type Config struct {
	Debug             bool   `toml:"debug"`
	RootDir           string `toml:"root_dir"`
	DatabaseURL       string `toml:"database_url"`
	RedisURL          string `toml:"redis_url"`
	MinPushIntervalMs uint64 `toml:"min_push_interval_ms"`
	RPCTimeoutMs      uint64 `toml:"rpc_timeout_ms"`
	SchedulerWorkers  int    `toml:"scheduler_workers"`
	APNSCertPath      string `toml:"apns_cert_path"`
	APNSTopic         string `toml:"apns_topic"`
	APNSProduction    bool   `toml:"apns_production"`
	FCMAPIKey         string `toml:"fcm_api_key"`
	LoggingPrefix     string `toml:"logging_prefix"`
	writer            io.Writer
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
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
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

func WithDatabaseURL(u string) Option {
	return func(c *Config) {
		c.DatabaseURL = u
	}
}

func WithRedisURL(u string) Option {
	return func(c *Config) {
		c.RedisURL = u
	}
}

func WithMinPushIntervalMs(n uint64) Option {
	return func(c *Config) {
		c.MinPushIntervalMs = n
	}
}

func WithRPCTimeoutMs(n uint64) Option {
	return func(c *Config) {
		c.RPCTimeoutMs = n
	}
}

func WithSchedulerWorkers(n int) Option {
	return func(c *Config) {
		c.SchedulerWorkers = n
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:             os.Getenv("DEBUG") == "1",
		RootDir:           ".",
		MinPushIntervalMs: 5000,
		RPCTimeoutMs:      5000,
		SchedulerWorkers:  4,
		LoggingPrefix:     "",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
