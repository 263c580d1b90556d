package loadgen

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Device is a simulated publisher sending at a fixed rate.
type Device struct {
	ID               string
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// PayloadGenerator creates the body of the next message for a device.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client publishes generated payloads onto one bus.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(ctx context.Context, device *Device) error
}

// TopicFor substitutes the device ID for the first "+" of pattern, so an
// MQTT style pattern such as "sensors/+/data" yields one topic per device.
func TopicFor(pattern string, device *Device) string {
	return strings.Replace(pattern, "+", device.ID, 1)
}

// LoadGenerator drives a set of devices against one client for a fixed duration.
type LoadGenerator struct {
	client    Client
	devices   []*Device
	logger    zerolog.Logger
	published atomic.Int64
	failed    atomic.Int64
}

func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run connects the client and publishes from every device until duration
// elapses or ctx is done.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) error {
	lg.logger.Info().Int("num_devices", len(lg.devices)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(ctx); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return err
	}
	defer lg.client.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, device := range lg.devices {
		d := device
		g.Go(func() error {
			lg.runDevice(gCtx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load generator: %w", err)
	}

	lg.logger.Info().Int64("published", lg.published.Load()).Int64("failed", lg.failed.Load()).Msg("Load generator finished")
	return nil
}

// Published returns the number of messages successfully published.
func (lg *LoadGenerator) Published() int64 {
	return lg.published.Load()
}

// Failed returns the number of publish attempts that returned an error.
func (lg *LoadGenerator) Failed() int64 {
	return lg.failed.Load()
}

func (lg *LoadGenerator) runDevice(ctx context.Context, device *Device) {
	if device.MessageRate <= 0 {
		lg.logger.Warn().Str("device_id", device.ID).Msg("Device has a message rate of 0, no messages will be sent")
		return
	}

	interval := time.Duration(float64(time.Second) / device.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Debug().Str("device_id", device.ID).Float64("rate_hz", device.MessageRate).Dur("interval", interval).Msg("Device starting")

	for {
		select {
		case <-ctx.Done():
			lg.logger.Debug().Str("device_id", device.ID).Msg("Device stopping")
			return
		case <-ticker.C:
			if err := lg.client.Publish(ctx, device); err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.failed.Add(1)
				lg.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to publish message")
				continue
			}
			lg.published.Add(1)
		}
	}
}
