package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/consumers"
	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/helpers/sampler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSampleCmd(v *viper.Viper) *cobra.Command {
	var numMessages int
	var outputFile string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sample <config.yaml> <target>",
		Short: "Capture a few messages of one target and print how they decode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := config.Load(args[0], v.GetString("section"))
			if err != nil {
				return err
			}
			var target *config.TargetConfig
			for i := range cfg.Targets {
				if cfg.Targets[i].Name == args[1] {
					target = &cfg.Targets[i]
				}
			}
			if target == nil {
				return fmt.Errorf("%w: no target named %q", config.ErrInvalidConfig, args[1])
			}
			if err := target.Validate(); err != nil {
				return err
			}

			decoder, err := decoders.Default().New(target.DecoderName(), decoders.Args(target.Loader.Args), logger)
			if err != nil {
				return err
			}
			consumer, err := consumers.New(target.Source, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			s := sampler.NewSampler(consumer, decoder, numMessages, logger)
			if err := s.Run(ctx); err != nil {
				return err
			}
			if outputFile == "" || outputFile == "-" {
				return s.WriteJSON(cmd.OutOrStdout())
			}
			file, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("could not create file: %w", err)
			}
			defer file.Close()
			if err := s.WriteJSON(file); err != nil {
				return err
			}
			logger.Info().Str("file", outputFile).Int("message_count", len(s.Messages())).Msg("Saved captured messages")
			return nil
		},
	}
	cmd.Flags().IntVarP(&numMessages, "count", "n", 10, "Number of messages to capture")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the captured messages to this file instead of stdout")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long")
	return cmd
}
