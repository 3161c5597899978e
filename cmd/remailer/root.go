package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/connection"
	"github.com/alexisbouchez/remailer/internal/config"
	"github.com/alexisbouchez/remailer/internal/logging"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "remailer",
		Short:         "Submit and verify mail over SMTP, optionally through a SOCKS5 proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().String("host", "", "SMTP server, overrides smtp.host")
	root.PersistentFlags().Int("port", 0, "SMTP port, overrides smtp.port")
	root.PersistentFlags().String("log-level", "", "Log level, overrides log.level")
	root.PersistentFlags().BoolP("verbose", "v", false, "Print the protocol exchange to stderr")
	root.PersistentFlags().Bool("metrics", false, "Print connection metrics when done")

	root.AddCommand(newSendCmd(), newVerifyCmd())
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs to open a connection.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
	verbose bool
	reg     *prometheus.Registry
	metrics *connection.Metrics
}

func setup(cmd *cobra.Command) (*env, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if host, _ := flags.GetString("host"); host != "" {
		cfg.SMTP.Host = host
	}
	if port, _ := flags.GetInt("port"); port != 0 {
		cfg.SMTP.Port = port
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if cfg.SMTP.Host == "" {
		return nil, fmt.Errorf("no SMTP host: set smtp.host or --host")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, closer: closer}
	e.verbose, _ = flags.GetBool("verbose")
	if on, _ := flags.GetBool("metrics"); on {
		e.reg = prometheus.NewRegistry()
		e.metrics = connection.NewMetrics(e.reg)
	}
	return e, nil
}

func (e *env) notifications(stderr io.Writer) remailer.Notifications {
	n := remailer.Notifications{
		Connect:      remailer.SlogSink(e.logger, slog.LevelInfo, "connect"),
		OnDisconnect: remailer.SlogSink(e.logger, slog.LevelDebug, "disconnect"),
	}
	if e.verbose {
		n.Debug = remailer.WriterSink(stderr)
		n.Error = remailer.WriterSink(stderr)
	}
	return n
}

func (e *env) options(stderr io.Writer) []connection.Option {
	opts := e.cfg.ConnectionOptions()
	opts = append(opts,
		connection.WithLogger(e.logger),
		connection.WithNotifications(e.notifications(stderr)),
	)
	if e.metrics != nil {
		opts = append(opts, connection.WithMetrics(e.metrics))
	}
	return opts
}

// printMetrics writes every counter and gauge sample as "name{labels} value".
func (e *env) printMetrics(w io.Writer) error {
	if e.reg == nil {
		return nil
	}
	families, err := e.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var pairs []string
			for _, lp := range m.GetLabel() {
				pairs = append(pairs, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			labels := ""
			if len(pairs) > 0 {
				labels = "{" + strings.Join(pairs, ",") + "}"
			}
			value := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				value = g.GetValue()
			}
			fmt.Fprintf(w, "%s%s %g\n", mf.GetName(), labels, value)
		}
	}
	return nil
}
