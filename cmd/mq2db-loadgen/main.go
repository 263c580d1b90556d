// Command mq2db-loadgen publishes synthetic sensor readings onto a message
// bus so a running mq2db can be exercised end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/helpers/loadgen"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

type options struct {
	transport  string
	address    string
	topic      string
	socketType string
	bind       bool
	format     string
	rows       int
	devices    int
	rate       float64
	duration   time.Duration
	qos        int
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "mq2db-loadgen:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "mq2db-loadgen",
		Short:         "Publish synthetic readings to a message bus",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := newClient(opts, logger)
			if err != nil {
				return err
			}
			gen, err := loadgen.NewReadingGenerator(opts.format, opts.rows)
			if err != nil {
				return err
			}
			devices := make([]*loadgen.Device, opts.devices)
			for i := range devices {
				devices[i] = &loadgen.Device{ID: fmt.Sprintf("device-%03d", i+1), MessageRate: opts.rate, PayloadGenerator: gen}
			}

			lg := loadgen.NewLoadGenerator(client, devices, logger)
			if err := lg.Run(ctx, opts.duration); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d messages, %d failed\n", lg.Published(), lg.Failed())
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.transport, "transport", "zmq", "Bus transport: zmq, mqtt, pubsub or nats")
	f.StringVar(&opts.address, "address", "tcp://127.0.0.1:5556", "Broker URL, ZeroMQ endpoint or Pub/Sub project ID")
	f.StringVar(&opts.topic, "topic", "sensors/+", "Topic, subject or Pub/Sub topic ID; '+' is replaced by the device ID")
	f.StringVar(&opts.socketType, "socket", "pub", "ZeroMQ socket type: pub or push")
	f.BoolVar(&opts.bind, "bind", true, "Bind the ZeroMQ socket instead of connecting")
	f.StringVar(&opts.format, "format", loadgen.FormatCSV, "Payload format: csv, json or cbor")
	f.IntVar(&opts.rows, "rows", 1, "Readings per message")
	f.IntVar(&opts.devices, "devices", 1, "Number of simulated devices")
	f.Float64Var(&opts.rate, "rate", 1, "Messages per second per device")
	f.DurationVar(&opts.duration, "duration", 10*time.Second, "How long to publish")
	f.IntVar(&opts.qos, "qos", 1, "MQTT QoS")
	return cmd
}

func newClient(opts options, logger zerolog.Logger) (loadgen.Client, error) {
	switch opts.transport {
	case "zmq":
		client, err := loadgen.NewZMQClient(opts.address, opts.socketType, opts.bind, opts.topic, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "mqtt":
		return loadgen.NewMqttClient(opts.address, opts.topic, byte(opts.qos), logger), nil
	case "nats":
		return loadgen.NewNATSClient(opts.address, opts.topic, logger), nil
	case "pubsub":
		var clientOpts []option.ClientOption
		if host := os.Getenv("PUBSUB_EMULATOR_HOST"); host != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(host), option.WithoutAuthentication())
		}
		return loadgen.NewPubSubClient(opts.address, opts.topic, clientOpts, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}
