package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/realtime/internal/config"
	rterrors "github.com/vango-dev/realtime/internal/errors"
	"github.com/vango-dev/realtime/pkg/realtime"
	"github.com/vango-dev/realtime/pkg/transport"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags override the configuration file.
type globalFlags struct {
	config       string
	key          string
	token        string
	endpoint     string
	format       string
	clientID     string
	logLevel     string
	recoveryFile string
}

// app is the state shared by every command after the configuration has
// been loaded.
type app struct {
	flags    globalFlags
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	out      io.Writer
	// dialer replaces the websocket dialer in tests.
	dialer transport.Dialer
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		rterrors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	return newApp(out).rootCmd()
}

func newApp(out io.Writer) *app {
	return &app{out: out, closeLog: func() error { return nil }}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "realtime",
		Short: "Publish, subscribe and inspect presence on realtime channels",
		Long: `realtime is a command line client for a realtime publish/subscribe service.

Credentials and connection settings are read from realtime.yaml in the
user config directory, REALTIME_* environment variables and flags, in
increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.closeLog()
		},
	}
	rootCmd.SetOut(a.out)

	f := rootCmd.PersistentFlags()
	f.StringVar(&a.flags.config, "config", "", "Config file (default "+config.DefaultPath()+")")
	f.StringVar(&a.flags.key, "key", "", "API key (keyName:keySecret)")
	f.StringVar(&a.flags.token, "token", "", "Access token")
	f.StringVar(&a.flags.endpoint, "endpoint", "", "Realtime endpoint URL")
	f.StringVar(&a.flags.format, "format", "", "Wire format: json or msgpack")
	f.StringVar(&a.flags.clientID, "client-id", "", "Client identity")
	f.StringVar(&a.flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&a.flags.recoveryFile, "recovery-file", "", "File that keeps connection state between runs")

	rootCmd.AddCommand(
		subscribeCmd(a),
		publishCmd(a),
		presenceCmd(a),
		tokenCmd(a),
		serveTokenCmd(a),
		versionCmd(a),
	)
	return rootCmd
}

// load reads the configuration, applies flag overrides and builds the
// logger.
func (a *app) load() error {
	cfg, err := config.Load(a.flags.config)
	if err != nil {
		return err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Key, a.flags.key)
	override(&cfg.Token, a.flags.token)
	override(&cfg.Endpoint, a.flags.endpoint)
	override(&cfg.Format, a.flags.format)
	override(&cfg.ClientID, a.flags.clientID)
	override(&cfg.Logger.Level, a.flags.logLevel)
	if a.flags.recoveryFile != "" {
		cfg.Recovery.File = a.flags.recoveryFile
		cfg.Recovery.S3Bucket = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closeLog = cfg, logger, closeLog
	return nil
}

// newClient connects a realtime client built from the configuration.
func (a *app) newClient(ctx context.Context, extra ...realtime.Option) (*realtime.Client, error) {
	if !a.cfg.HasCredentials() {
		return nil, fmt.Errorf("no credentials: set --key, --token or auth.url in %s", config.DefaultPath())
	}
	opts, err := a.cfg.ClientOptions(ctx, a.logger)
	if err != nil {
		return nil, err
	}
	if a.dialer != nil {
		opts = append(opts, realtime.WithDialer(a.dialer))
	}
	return realtime.New(append(opts, extra...)...)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// closeClient closes c, logging a failure instead of returning it.
func (a *app) closeClient(c *realtime.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		a.logger.Warn("close failed", "error", err)
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
