// Package main provides the tftpd command: a TFTP server serving one
// directory tree over UDP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/config"
	"github.com/opd-ai/tftpd/server"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	configPath    string
	address       string
	port          uint
	root          string
	sendDir       string
	receiveDir    string
	readOnly      bool
	overwrite     bool
	keepPartial   bool
	maxBlockSize  int
	maxWindowSize int
	maxTimeout    int
	timeout       time.Duration
	retries       int
	maxSessions   int
	duplicates    int
	windowWait    time.Duration
	logLevel      string
	logFormat     string
	help          bool

	// set records the flags given explicitly; only those override the
	// configuration file.
	set map[string]bool
}

// parseCLIFlags parses args into a CLIConfig.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	defaults := config.Default()
	cli := &CLIConfig{set: make(map[string]bool)}

	fs := flag.NewFlagSet("tftpd", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cli.configPath, "config", "", "YAML configuration file")

	// Network configuration
	fs.StringVar(&cli.address, "address", defaults.Address, "Listen address")
	fs.UintVar(&cli.port, "port", uint(defaults.Port), "Listen port")

	// Storage configuration
	fs.StringVar(&cli.root, "root", defaults.Root, "Directory served for reads and writes")
	fs.StringVar(&cli.sendDir, "send-dir", "", "Directory served for reads (default: root)")
	fs.StringVar(&cli.receiveDir, "receive-dir", "", "Directory receiving writes (default: root)")
	fs.BoolVar(&cli.readOnly, "read-only", defaults.ReadOnly, "Refuse all write requests")
	fs.BoolVar(&cli.overwrite, "overwrite", defaults.Overwrite, "Allow writes to replace existing files")
	fs.BoolVar(&cli.keepPartial, "keep-partial", !defaults.CleanOnError, "Keep partially received files after a failed write")

	// Option caps
	fs.IntVar(&cli.maxBlockSize, "max-blksize", defaults.MaxBlockSize, "Largest blksize granted")
	fs.IntVar(&cli.maxWindowSize, "max-windowsize", defaults.MaxWindowSize, "Largest windowsize granted")
	fs.IntVar(&cli.maxTimeout, "max-timeout", defaults.MaxTimeout, "Largest timeout granted, in seconds")

	// Retransmission
	fs.DurationVar(&cli.timeout, "timeout", defaults.DefaultTimeout, "Retransmission timeout when none is negotiated")
	fs.IntVar(&cli.retries, "retries", defaults.RetryLimit, "Retransmissions before a transfer times out")
	fs.IntVar(&cli.maxSessions, "max-sessions", defaults.MaxSessions, "Concurrent transfer limit (0: unlimited)")
	fs.IntVar(&cli.duplicates, "duplicate-packets", defaults.DuplicatePackets, "Extra copies sent of every packet")
	fs.DurationVar(&cli.windowWait, "window-wait", defaults.WindowWait, "Pause between packets of a window")

	// Logging configuration
	fs.StringVar(&cli.logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cli.logFormat, "log-format", defaults.LogFormat, "Log format (text, json)")

	fs.BoolVar(&cli.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		err := fmt.Errorf("unexpected arguments: %v", fs.Args())
		fmt.Fprintln(output, err)
		return nil, err
	}
	if cli.help {
		fs.Usage()
	}
	fs.Visit(func(f *flag.Flag) { cli.set[f.Name] = true })
	return cli, nil
}

// buildConfig loads the configuration file, if any, applies the flags given
// on the command line and validates the result.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrides := map[string]func(){
		"address":           func() { cfg.Address = cli.address },
		"port":              func() { cfg.Port = int(cli.port) },
		"root":              func() { cfg.Root = cli.root },
		"send-dir":          func() { cfg.SendDir = cli.sendDir },
		"receive-dir":       func() { cfg.ReceiveDir = cli.receiveDir },
		"read-only":         func() { cfg.ReadOnly = cli.readOnly },
		"overwrite":         func() { cfg.Overwrite = cli.overwrite },
		"keep-partial":      func() { cfg.CleanOnError = !cli.keepPartial },
		"max-blksize":       func() { cfg.MaxBlockSize = cli.maxBlockSize },
		"max-windowsize":    func() { cfg.MaxWindowSize = cli.maxWindowSize },
		"max-timeout":       func() { cfg.MaxTimeout = cli.maxTimeout },
		"timeout":           func() { cfg.DefaultTimeout = cli.timeout },
		"retries":           func() { cfg.RetryLimit = cli.retries },
		"max-sessions":      func() { cfg.MaxSessions = cli.maxSessions },
		"duplicate-packets": func() { cfg.DuplicatePackets = cli.duplicates },
		"window-wait":       func() { cfg.WindowWait = cli.windowWait },
		"log-level":         func() { cfg.LogLevel = cli.logLevel },
		"log-format":        func() { cfg.LogFormat = cli.logFormat },
	}
	for name, apply := range overrides {
		if cli.set[name] {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run serves until ctx is cancelled and returns the process exit code.
func run(ctx context.Context, cfg *config.Config) int {
	srv, err := server.New(cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"address":  cfg.ListenAddr(),
			"error":    err.Error(),
		}).Error("Failed to start server")
		if errors.Is(err, server.ErrBind) {
			return exitBind
		}
		return exitConfig
	}

	logrus.WithFields(logrus.Fields{
		"function":    "run",
		"address":     srv.Addr().String(),
		"send_dir":    cfg.SendDir,
		"receive_dir": cfg.ReceiveDir,
		"read_only":   cfg.ReadOnly,
	}).Info("TFTP server listening")

	if err := srv.Serve(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Server stopped with error")
		return exitConfig
	}

	logrus.WithField("function", "run").Info("TFTP server stopped")
	return exitOK
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitOK)
		}
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(exitConfig)
	}
	if cli.help {
		os.Exit(exitOK)
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}
