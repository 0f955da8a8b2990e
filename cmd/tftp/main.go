// Package main provides the tftp command: a single-shot client that
// downloads or uploads one file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/client"
	"github.com/opd-ai/tftpd/config"
	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/transport"
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitTransfer = 2
)

// CLIConfig holds the parsed command line.
type CLIConfig struct {
	server     string
	port       uint
	get        string
	put        string
	remote     string
	blockSize  uint
	windowSize uint
	timeout    time.Duration
	retries    int
	mode       string
	tsize      bool
	logLevel   string
}

func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cli := &CLIConfig{}

	fs := flag.NewFlagSet("tftp", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cli.server, "server", "127.0.0.1", "Server host")
	fs.UintVar(&cli.port, "port", config.DefaultPort, "Server port")
	fs.StringVar(&cli.get, "get", "", "Download into this local file")
	fs.StringVar(&cli.put, "put", "", "Upload this local file")
	fs.StringVar(&cli.remote, "remote", "", "Remote file name (default: base name of the local file)")
	fs.UintVar(&cli.blockSize, "blksize", limits.DefaultBlockSize, "Requested block size")
	fs.UintVar(&cli.windowSize, "windowsize", limits.DefaultWindowSize, "Requested window size")
	fs.DurationVar(&cli.timeout, "timeout", limits.DefaultTimeout, "Retransmission timeout")
	fs.IntVar(&cli.retries, "retries", limits.DefaultRetryLimit, "Retransmissions before giving up")
	fs.StringVar(&cli.mode, "mode", transport.ModeOctet, "Transfer mode (octet, netascii)")
	fs.BoolVar(&cli.tsize, "tsize", true, "Request or announce the transfer size")
	fs.StringVar(&cli.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintln(output, err)
		return nil, err
	}
	if cli.remote == "" {
		cli.remote = filepath.Base(cli.local())
	}
	return cli, nil
}

func validateCLIConfig(cli *CLIConfig) error {
	if (cli.get == "") == (cli.put == "") {
		return errors.New("exactly one of -get and -put is required")
	}
	if cli.port == 0 || cli.port > 65535 {
		return fmt.Errorf("invalid port %d", cli.port)
	}
	if err := limits.ValidateBlockSize(uint64(cli.blockSize)); err != nil {
		return err
	}
	if err := limits.ValidateWindowSize(uint64(cli.windowSize)); err != nil {
		return err
	}
	if cli.timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cli.retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if !transport.ValidMode(cli.mode) {
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedMode, cli.mode)
	}
	if _, err := logrus.ParseLevel(cli.logLevel); err != nil {
		return err
	}
	return nil
}

func (cli *CLIConfig) local() string {
	if cli.get != "" {
		return cli.get
	}
	return cli.put
}

func (cli *CLIConfig) clientConfig() client.Config {
	return client.Config{
		Server:       net.JoinHostPort(cli.server, strconv.FormatUint(uint64(cli.port), 10)),
		BlockSize:    uint16(cli.blockSize),
		WindowSize:   uint16(cli.windowSize),
		Timeout:      cli.timeout,
		RetryLimit:   cli.retries,
		Mode:         cli.mode,
		TransferSize: cli.tsize,
	}
}

// run performs the transfer and returns the process exit code.
func run(ctx context.Context, cli *CLIConfig) int {
	c, err := client.New(cli.clientConfig())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Invalid client configuration")
		return exitUsage
	}

	if cli.get != "" {
		err = download(ctx, c, cli.remote, cli.get)
	} else {
		err = upload(ctx, c, cli.local(), cli.remote, transport.IsNetASCII(cli.mode))
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"remote":   cli.remote,
			"error":    err.Error(),
		}).Error("Transfer failed")
		return exitTransfer
	}
	return exitOK
}

func download(ctx context.Context, c *client.Client, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}

	stats, err := c.Get(ctx, remote, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(local)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "download",
		"file":        local,
		"bytes":       stats.Bytes,
		"retransmits": stats.Retransmits,
		"duration":    stats.Duration,
	}).Info("Download complete")
	return nil
}

// upload sends local as remote. The size of a netascii upload is not known
// until it has been encoded, so it is not announced.
func upload(ctx context.Context, c *client.Client, local, remote string, netascii bool) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	size := info.Size()
	if netascii {
		size = -1
	}
	stats, err := c.Put(ctx, remote, f, size)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "upload",
		"file":        local,
		"bytes":       stats.Bytes,
		"retransmits": stats.Retransmits,
		"duration":    stats.Duration,
	}).Info("Upload complete")
	return nil
}

func main() {
	cli, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitOK)
		}
		os.Exit(exitUsage)
	}

	level, _ := logrus.ParseLevel(cli.logLevel)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cli)
	stop()
	os.Exit(code)
}
