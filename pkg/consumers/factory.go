package consumers

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// New builds the consumer selected by cfg.Transport. The consumer is not
// started.
func New(cfg config.SourceConfig, logger zerolog.Logger) (messagepipeline.MessageConsumer, error) {
	var (
		consumer messagepipeline.MessageConsumer
		err      error
	)
	switch cfg.Transport {
	case config.TransportZMQ, "":
		var c *ZMQConsumer
		if c, err = NewZMQConsumer(cfg, logger); err == nil {
			consumer = c
		}
	case config.TransportMQTT:
		var c *MQTTConsumer
		if c, err = NewMQTTConsumer(cfg, logger); err == nil {
			consumer = c
		}
	case config.TransportPubSub:
		var c *GooglePubSubConsumer
		if c, err = NewGooglePubSubConsumer(context.Background(), cfg, nil, logger); err == nil {
			consumer = c
		}
	case config.TransportNATS:
		var c *NATSConsumer
		if c, err = NewNATSConsumer(cfg, logger); err == nil {
			consumer = c
		}
	default:
		err = fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", cfg.Name, err)
	}
	return consumer, nil
}
