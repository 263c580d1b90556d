package consumers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSOptions are the "options" of a nats target.
type NATSOptions struct {
	Queue           string        `mapstructure:"queue"`
	Name            string        `mapstructure:"name"`
	Token           string        `mapstructure:"token"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Buffer          int           `mapstructure:"buffer"`
}

// NATSConsumer subscribes to a core NATS subject, optionally in a queue group.
// Core NATS has no acknowledgements, so delivery is at most once.
type NATSConsumer struct {
	channelConsumer
	opts NATSOptions

	conn     *nats.Conn
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewNATSConsumer(cfg config.SourceConfig, logger zerolog.Logger) (*NATSConsumer, error) {
	opts := NATSOptions{Name: "mq2db-" + cfg.Name, ConnectTimeout: 5 * time.Second}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	log := logger.With().
		Str("component", "NATSConsumer").
		Str("target", cfg.Name).
		Str("subject", cfg.Topic).
		Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSConsumer{
		channelConsumer: newChannelConsumer(cfg, opts.Buffer, log),
		opts:            opts,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

func (c *NATSConsumer) connectOptions() []nats.Option {
	options := []nats.Option{
		nats.Name(c.opts.Name),
		nats.Timeout(c.opts.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}
	if c.opts.Token != "" {
		options = append(options, nats.Token(c.opts.Token))
	}
	if c.opts.Username != "" {
		options = append(options, nats.UserInfo(c.opts.Username, c.opts.Password))
	}
	if c.opts.CredentialsFile != "" {
		options = append(options, nats.UserCredentials(c.opts.CredentialsFile))
	}
	return options
}

func (c *NATSConsumer) Start(ctx context.Context) error {
	conn, err := nats.Connect(c.source.Address, c.connectOptions()...)
	if err != nil {
		return fmt.Errorf("nats connect to %s: %w", c.source.Address, err)
	}

	handler := func(m *nats.Msg) {
		payload := make([]byte, len(m.Data))
		copy(payload, m.Data)
		c.deliver(c.ctx, c.message("", m.Subject, payload))
	}
	var sub *nats.Subscription
	if c.opts.Queue != "" {
		sub, err = conn.QueueSubscribe(c.source.Topic, c.opts.Queue, handler)
	} else {
		sub, err = conn.Subscribe(c.source.Topic, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats subscribe %s: %w", c.source.Topic, err)
	}
	// round trip so the subscription is registered before Start returns
	if err := conn.Flush(); err != nil {
		conn.Close()
		return fmt.Errorf("nats flush: %w", err)
	}
	c.conn, c.sub = conn, sub
	c.logger.Info().Str("queue", c.opts.Queue).Msg("Subscribed to NATS subject")

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.ctx.Done():
		}
	}()
	return nil
}

func (c *NATSConsumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping NATS consumer...")
		c.cancel()
		if c.sub != nil {
			err = c.sub.Unsubscribe()
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.markDone()
	})
	return err
}
