// Package config reads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ExecutorSSH   = "ssh"
	ExecutorLocal = "local"
)

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string

	Executor      string
	SSHHost       string
	SSHPort       int
	SSHUser       string
	SSHKeyPath    string
	SSHKnownHosts string

	HTTPAddr           string
	PollWait           time.Duration
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string
}

// Load builds a Config from the environment, falling back to defaults for
// unset or malformed values.
func Load() Config {
	return Config{
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		QueueName:     envOr("QUEUE_NAME", "jobs"),

		Executor:      envOr("EXECUTOR", ExecutorSSH),
		SSHHost:       os.Getenv("SSH_HOST"),
		SSHPort:       envInt("SSH_PORT", 22),
		SSHUser:       envOr("SSH_USER", "root"),
		SSHKeyPath:    os.Getenv("SSH_KEY_PATH"),
		SSHKnownHosts: os.Getenv("SSH_KNOWN_HOSTS"),

		HTTPAddr:           envOr("HTTP_ADDR", ":5000"),
		PollWait:           envDuration("POLL_WAIT", time.Second),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
}

// Validate checks the settings the worker needs before it can run jobs.
func (c Config) Validate() error {
	var errs []error
	if c.QueueName == "" {
		errs = append(errs, errors.New("QUEUE_NAME must not be empty"))
	}
	if c.PollWait <= 0 {
		errs = append(errs, errors.New("POLL_WAIT must be positive"))
	}
	switch c.Executor {
	case ExecutorLocal:
	case ExecutorSSH:
		if c.SSHHost == "" {
			errs = append(errs, errors.New("SSH_HOST is required for the ssh executor"))
		}
		if c.SSHKeyPath == "" {
			errs = append(errs, errors.New("SSH_KEY_PATH is required for the ssh executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EXECUTOR %q (want %s or %s)", c.Executor, ExecutorSSH, ExecutorLocal))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	if n, err := strconv.Atoi(val); err == nil && n >= 0 {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	return def
}
