package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/specrun/internal/archive"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "specrun.db"
	defaultStartupTimeout = 10 * time.Second
	defaultShutdownGrace  = 3 * time.Second
	defaultSpecTimeout    = 30 * time.Second
	defaultS3Region       = "us-east-1"
	defaultS3Bucket       = "specrun-results"

	envListenAddr     = "SPECRUN_LISTEN_ADDR"
	envDBPath         = "SPECRUN_DB_PATH"
	envLogLevel       = "SPECRUN_LOG_LEVEL"
	envLogFormat      = "SPECRUN_LOG_FORMAT"
	envStartupTimeout = "SPECRUN_STARTUP_TIMEOUT"
	envShutdownGrace  = "SPECRUN_SHUTDOWN_GRACE"
	envSpecTimeout    = "SPECRUN_SPEC_TIMEOUT"
	envS3Endpoint     = "SPECRUN_S3_ENDPOINT"
	envS3AccessKey    = "SPECRUN_S3_ACCESS_KEY"
	envS3SecretKey    = "SPECRUN_S3_SECRET_KEY"
	envS3Region       = "SPECRUN_S3_REGION"
	envS3Bucket       = "SPECRUN_S3_BUCKET"
	envS3UseSSL       = "SPECRUN_S3_USE_SSL"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	LogFormat      string
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
	SpecTimeout    time.Duration
	Archive        archive.Config
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable durations and booleans fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		LogFormat:      FormatJSON,
		StartupTimeout: defaultStartupTimeout,
		ShutdownGrace:  defaultShutdownGrace,
		SpecTimeout:    defaultSpecTimeout,
		Archive: archive.Config{
			Region: defaultS3Region,
			Bucket: defaultS3Bucket,
		},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := strings.ToLower(os.Getenv(envLogFormat)); v == FormatText {
		cfg.LogFormat = FormatText
	}
	cfg.StartupTimeout = durationEnv(envStartupTimeout, cfg.StartupTimeout)
	cfg.ShutdownGrace = durationEnv(envShutdownGrace, cfg.ShutdownGrace)
	cfg.SpecTimeout = durationEnv(envSpecTimeout, cfg.SpecTimeout)

	cfg.Archive.Endpoint = os.Getenv(envS3Endpoint)
	cfg.Archive.AccessKey = os.Getenv(envS3AccessKey)
	cfg.Archive.SecretKey = os.Getenv(envS3SecretKey)
	if v := os.Getenv(envS3Region); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv(envS3Bucket); v != "" {
		cfg.Archive.Bucket = v
	}
	if v, err := strconv.ParseBool(os.Getenv(envS3UseSSL)); err == nil {
		cfg.Archive.UseSSL = v
	}

	return cfg
}

// ArchiveEnabled reports whether an archive endpoint is configured.
func (c Config) ArchiveEnabled() bool {
	return c.Archive.Endpoint != ""
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger creates the controller logger in the configured format.
func (c Config) Logger(w io.Writer) *slog.Logger {
	if c.LogFormat == FormatText {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
	}
	return NewLogger(w, c.LogLevel)
}

// NewEngineLogger creates the engine process logger. Engines log JSON lines
// to w (normally stderr) which the controller forwards.
func NewEngineLogger(w io.Writer, level slog.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	switch {
	case level <= slog.LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelInfo:
		l.SetLevel(logrus.InfoLevel)
	case level <= slog.LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}
