package consumers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the capacity of a consumer's message channel.
const DefaultBuffer = 1000

// channelConsumer holds what every push based adapter shares: the output
// channel, the done signal and receive mode conversion.
type channelConsumer struct {
	source   config.SourceConfig
	output   chan types.ConsumedMessage
	done     chan struct{}
	doneOnce sync.Once
	logger   zerolog.Logger
}

func newChannelConsumer(source config.SourceConfig, buffer int, logger zerolog.Logger) channelConsumer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return channelConsumer{
		source: source,
		output: make(chan types.ConsumedMessage, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Messages returns the channel the worker reads from.
func (c *channelConsumer) Messages() <-chan types.ConsumedMessage { return c.output }

// Done is closed once the consumer has fully stopped.
func (c *channelConsumer) Done() <-chan struct{} { return c.done }

func (c *channelConsumer) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// message wraps a payload. A payload that cannot be converted by the receive
// mode is still delivered, without a Value, and the decoder reports it.
func (c *channelConsumer) message(id, topic string, payload []byte) types.ConsumedMessage {
	if id == "" {
		id = uuid.NewString()
	}
	value, err := ReceiveValue(c.source.Recv.Method, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("msg_id", id).Msg("Receive conversion failed, delivering raw payload")
	}
	return types.ConsumedMessage{
		ID:          id,
		Payload:     payload,
		Value:       value,
		Topic:       topic,
		PublishTime: time.Now().UTC(),
	}
}

// deliver queues msg unless ctx ends first, in which case msg is Nacked.
func (c *channelConsumer) deliver(ctx context.Context, msg types.ConsumedMessage) bool {
	select {
	case c.output <- msg:
		return true
	case <-ctx.Done():
		msg.NackMessage()
		c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, message dropped.")
		return false
	}
}

// decodeOptions copies transport options into out. Durations may be given as
// strings ("5s"); unknown keys are a configuration error.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: options: %v", config.ErrInvalidConfig, err)
	}
	return nil
}
