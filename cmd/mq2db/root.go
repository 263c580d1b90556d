package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/controller"
	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

const envPrefix = "MQ2DB"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "mq2db",
		Short:         "Copy message bus traffic into SQL tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("section", "", "Dotted path of the configuration section holding the targets (e.g. services.mq2db)")
	root.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "Log format (console or json)")
	_ = v.BindPFlag("section", root.PersistentFlags().Lookup("section"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log-format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newRunCmd(v), newTargetsCmd(v), newSampleCmd(v), newDecodersCmd(), newVersionCmd())
	return root
}

func newLogger(v *viper.Viper, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(v.GetString("log-level")))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}
	switch v.GetString("log-format") {
	case "json":
	case "console", "":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", v.GetString("log-format"))
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run every target until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, args[0], v, logger)
		},
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
	_ = v.BindPFlag("metrics-addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func run(ctx context.Context, path string, v *viper.Viper, logger zerolog.Logger) error {
	cfg, err := config.Load(path, v.GetString("section"))
	if err != nil {
		logger.Error().Err(err).Str("config", path).Msg("Failed to load configuration")
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := messagepipeline.NewMetrics(reg)

	ctl, err := controller.New(cfg, decoders.Default(), logger, metrics)
	if err != nil {
		logger.Error().Err(err).Msg("No target could be started")
		return err
	}
	for _, line := range ctl.Summary() {
		logger.Info().Msg("Target " + line)
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = ctl.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Stopped with errors")
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func newTargetsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "targets <config.yaml>",
		Short: "List the configured targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], v.GetString("section"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range cfg.Targets {
				if err := t.Validate(); err != nil {
					fmt.Fprintf(out, "%s  [invalid: %v]\n", t.Summary(), err)
					continue
				}
				fmt.Fprintln(out, t.Summary())
			}
			return nil
		},
	}
}

func newDecodersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decoders",
		Short: "List the registered decoders",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range decoders.Default().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mq2db v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
