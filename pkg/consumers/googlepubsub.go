package consumers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubOptions are the "options" of a pubsub target. The target's address is
// the project ID and its topic is the subscription ID.
type PubSubOptions struct {
	CredentialsFile        string `mapstructure:"credentials_file"`
	EmulatorHost           string `mapstructure:"emulator_host"`
	MaxOutstandingMessages int    `mapstructure:"max_outstanding_messages"`
	NumGoroutines          int    `mapstructure:"num_goroutines"`
	Buffer                 int    `mapstructure:"buffer"`
}

// GooglePubSubConsumer receives from a Pub/Sub subscription. Messages are
// Acked by the pipeline once persisted and Nacked when a final flush fails.
type GooglePubSubConsumer struct {
	client             *pubsub.Client
	subscription       *pubsub.Subscription
	source             config.SourceConfig
	logger             zerolog.Logger
	outputChan         chan types.ConsumedMessage
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
	doneOnce           sync.Once
}

// NewGooglePubSubConsumer creates the client and verifies the subscription
// exists. clientOpts override the options derived from cfg; tests pass
// pstest endpoints this way.
func NewGooglePubSubConsumer(ctx context.Context, cfg config.SourceConfig, clientOpts []option.ClientOption, logger zerolog.Logger) (*GooglePubSubConsumer, error) {
	opts := PubSubOptions{MaxOutstandingMessages: 100, NumGoroutines: 5}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	projectID, subscriptionID := cfg.Address, cfg.Topic

	if len(clientOpts) == 0 {
		emulatorHost := opts.EmulatorHost
		if emulatorHost == "" {
			emulatorHost = os.Getenv("PUBSUB_EMULATOR_HOST")
		}
		if emulatorHost != "" {
			logger.Info().Str("emulator_host", emulatorHost).Str("subscription_id", subscriptionID).Msg("Using Pub/Sub emulator for consumer.")
			clientOpts = append(clientOpts, option.WithEndpoint(emulatorHost), option.WithoutAuthentication())
		} else if opts.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
		}
	}

	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient for subscription %s: %w", subscriptionID, err)
	}
	sub := client.Subscription(subscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = opts.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = opts.NumGoroutines

	exists, err := sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscription.Exists check for %s: %w", subscriptionID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("Pub/Sub subscription %s does not exist in project %s", subscriptionID, projectID)
	}

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = opts.MaxOutstandingMessages
	}
	return &GooglePubSubConsumer{
		client:       client,
		subscription: sub,
		source:       cfg,
		logger: logger.With().
			Str("component", "GooglePubSubConsumer").
			Str("target", cfg.Name).
			Str("subscription_id", subscriptionID).
			Logger(),
		outputChan: make(chan types.ConsumedMessage, buffer),
		doneChan:   make(chan struct{}),
	}, nil
}

func (c *GooglePubSubConsumer) Messages() <-chan types.ConsumedMessage { return c.outputChan }

func (c *GooglePubSubConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelSubscription = cancel
	go func() {
		defer c.doneOnce.Do(func() { close(c.doneChan) })
		defer close(c.outputChan)
		err := c.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			value, err := ReceiveValue(c.source.Recv.Method, payloadCopy)
			if err != nil {
				c.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Receive conversion failed, delivering raw payload")
			}
			consumedMsg := types.ConsumedMessage{
				ID:          msg.ID,
				Payload:     payloadCopy,
				Value:       value,
				Topic:       c.source.Topic,
				PublishTime: msg.PublishTime,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}

			select {
			case c.outputChan <- consumedMsg:
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message.")
			}
		})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case status.Code(err) == codes.NotFound:
			c.logger.Error().Err(err).Msg("Pub/Sub subscription no longer exists")
		default:
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
	}()
	return nil
}

// Stop cancels the receive call and closes the client. Messages already
// handed to the pipeline remain Ackable until the client is closed, so the
// pipeline stops its consumer only after its final flush.
func (c *GooglePubSubConsumer) Stop() error {
	var closeErr error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		if c.cancelSubscription != nil {
			c.cancelSubscription()
			select {
			case <-c.Done():
			case <-time.After(30 * time.Second):
				c.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
			}
		} else {
			c.doneOnce.Do(func() { close(c.doneChan) })
		}
		if c.client != nil {
			if closeErr = c.client.Close(); closeErr != nil {
				c.logger.Error().Err(closeErr).Msg("Error closing Pub/Sub client")
			}
		}
	})
	return closeErr
}

func (c *GooglePubSubConsumer) Done() <-chan struct{} { return c.doneChan }
