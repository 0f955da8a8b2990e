// Package config loads and validates the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/tftpd/limits"
)

// DefaultPort is the well-known TFTP port.
const DefaultPort = 69

// ErrInvalidConfig indicates a configuration value that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every daemon setting. Zero caps select the protocol maximum.
type Config struct {
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	Root       string `yaml:"root"`
	SendDir    string `yaml:"send_dir"`
	ReceiveDir string `yaml:"receive_dir"`
	ReadOnly   bool   `yaml:"read_only"`
	Overwrite  bool   `yaml:"overwrite"`

	MaxBlockSize   int           `yaml:"max_blksize"`
	MaxWindowSize  int           `yaml:"max_windowsize"`
	MaxTimeout     int           `yaml:"max_timeout"`
	DefaultTimeout time.Duration `yaml:"timeout"`
	RetryLimit     int           `yaml:"retries"`

	MaxSessions      int           `yaml:"max_sessions"`
	DuplicatePackets int           `yaml:"duplicate_packets"`
	WindowWait       time.Duration `yaml:"window_wait"`
	CleanOnError     bool          `yaml:"clean_on_error"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when neither a file nor flags
// override anything.
func Default() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           DefaultPort,
		Root:           ".",
		MaxBlockSize:   limits.MaxBlockSize,
		MaxWindowSize:  limits.MaxWindowSize,
		MaxTimeout:     limits.MaxTimeoutSeconds,
		DefaultTimeout: limits.DefaultTimeout,
		RetryLimit:     limits.DefaultRetryLimit,
		CleanOnError:   true,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads a YAML file over the defaults. Durations are written as Go
// duration strings such as "5s" or "250ms".
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Debug("Configuration file loaded")

	return cfg, nil
}

// Validate fills derived fields and clamps caps into protocol range. It
// fails on values that cannot be clamped sensibly.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.Address != "" && net.ParseIP(c.Address) == nil {
		return fmt.Errorf("%w: address %q is not an IP address", ErrInvalidConfig, c.Address)
	}
	if c.Root == "" && (c.SendDir == "" || c.ReceiveDir == "") {
		return fmt.Errorf("%w: root directory not set", ErrInvalidConfig)
	}
	if c.SendDir == "" {
		c.SendDir = c.Root
	}
	if c.ReceiveDir == "" {
		c.ReceiveDir = c.Root
	}

	c.MaxBlockSize = int(limits.ClampBlockSize(c.MaxBlockSize))
	c.MaxWindowSize = int(limits.ClampWindowSize(c.MaxWindowSize))
	c.MaxTimeout = int(limits.ClampTimeoutSeconds(c.MaxTimeout))

	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = limits.DefaultTimeout
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("%w: retries %d", ErrInvalidConfig, c.RetryLimit)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: max sessions %d", ErrInvalidConfig, c.MaxSessions)
	}
	if c.DuplicatePackets < 0 || c.DuplicatePackets > 255 {
		return fmt.Errorf("%w: duplicate packets %d", ErrInvalidConfig, c.DuplicatePackets)
	}
	if c.WindowWait < 0 {
		return fmt.Errorf("%w: window wait %s", ErrInvalidConfig, c.WindowWait)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// ListenAddr returns the host:port the daemon binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
