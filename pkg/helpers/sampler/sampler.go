// Package sampler captures a few messages from one target and shows how its
// decoder sees them, without touching the database.
package sampler

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// CapturedMessage is one sampled message with its decoded records.
type CapturedMessage struct {
	Timestamp   time.Time        `json:"timestamp"`
	Topic       string           `json:"topic,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
	Records     []map[string]any `json:"records,omitempty"`
	DecodeError string           `json:"decode_error,omitempty"`
}

// Sampler reads up to a fixed number of messages from a consumer.
type Sampler struct {
	consumer    messagepipeline.MessageConsumer
	decoder     decoders.Decoder
	numMessages int
	logger      zerolog.Logger
	messages    []CapturedMessage
}

func NewSampler(consumer messagepipeline.MessageConsumer, decoder decoders.Decoder, numMessages int, logger zerolog.Logger) *Sampler {
	if numMessages < 1 {
		numMessages = 1
	}
	return &Sampler{
		consumer:    consumer,
		decoder:     decoder,
		numMessages: numMessages,
		logger:      logger.With().Str("component", "Sampler").Logger(),
		messages:    make([]CapturedMessage, 0, numMessages),
	}
}

// Run captures messages until the target count is reached or ctx is done.
// Every sampled message is Nacked so a durable broker redelivers it to the
// real pipeline.
func (s *Sampler) Run(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		_ = s.consumer.Stop()
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer func() {
		if err := s.consumer.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Error stopping consumer")
		}
	}()

	messages := s.consumer.Messages()
	for len(s.messages) < s.numMessages {
		select {
		case <-ctx.Done():
			s.logger.Info().Int("captured_count", len(s.messages)).Msg("Sampling interrupted")
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			captured := CapturedMessage{
				Timestamp: time.Now().UTC(),
				Topic:     msg.Topic,
				Payload:   rawPayload(msg.Payload),
			}
			records, err := s.decoder.Decode(msg)
			if err != nil {
				captured.DecodeError = err.Error()
			} else {
				captured.Records = records
			}
			msg.NackMessage()
			s.messages = append(s.messages, captured)
			s.logger.Info().Int("captured_count", len(s.messages)).Int("target_count", s.numMessages).Msg("Message captured")
		}
	}
	return nil
}

// Messages returns the captured messages.
func (s *Sampler) Messages() []CapturedMessage {
	out := make([]CapturedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// WriteJSON writes the captured messages as an indented JSON array.
func (s *Sampler) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.Messages()); err != nil {
		return fmt.Errorf("could not encode messages to JSON: %w", err)
	}
	return nil
}

// rawPayload embeds a JSON payload as is and anything else as a string.
func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return append(json.RawMessage(nil), payload...)
	}
	escaped, _ := json.Marshal(string(payload))
	return escaped
}
