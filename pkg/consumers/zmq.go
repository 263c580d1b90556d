package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/rs/zerolog"
)

// ZMQOptions are the "options" of a zmq target. A negative DialRetries
// keeps dialing until the consumer is stopped.
type ZMQOptions struct {
	Buffer      int           `mapstructure:"buffer"`
	DialRetries int           `mapstructure:"dial_retries"`
	DialRetry   time.Duration `mapstructure:"dial_retry"`
}

// ZMQConsumer reads from a ZeroMQ socket of a configurable role.
type ZMQConsumer struct {
	channelConsumer
	opts ZMQOptions

	mu       sync.Mutex
	socket   zmq4.Socket
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewZMQConsumer validates cfg; the socket is created by Start.
func NewZMQConsumer(cfg config.SourceConfig, logger zerolog.Logger) (*ZMQConsumer, error) {
	opts := ZMQOptions{DialRetries: -1, DialRetry: 250 * time.Millisecond}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if _, err := socketFactory(cfg.Type); err != nil {
		return nil, err
	}
	if cfg.Method != "bind" && cfg.Method != "connect" && cfg.Method != "" {
		return nil, fmt.Errorf("%w: zmq method %q", config.ErrInvalidConfig, cfg.Method)
	}
	if err := checkEndpoint(cfg.Address); err != nil {
		return nil, err
	}
	log := logger.With().
		Str("component", "ZMQConsumer").
		Str("target", cfg.Name).
		Str("address", cfg.Address).
		Logger()
	return &ZMQConsumer{
		channelConsumer: newChannelConsumer(cfg, opts.Buffer, log),
		opts:            opts,
	}, nil
}

func socketFactory(kind string) (func(context.Context, ...zmq4.Option) zmq4.Socket, error) {
	switch kind {
	case "sub", "":
		return zmq4.NewSub, nil
	case "pull":
		return zmq4.NewPull, nil
	case "pair":
		return zmq4.NewPair, nil
	case "rep":
		return zmq4.NewRep, nil
	case "req":
		return zmq4.NewReq, nil
	case "dealer":
		return zmq4.NewDealer, nil
	default:
		return nil, fmt.Errorf("%w: unsupported zmq socket type %q", config.ErrInvalidConfig, kind)
	}
}

// checkEndpoint rejects addresses zmq4 could never bind or dial.
func checkEndpoint(address string) error {
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok || rest == "" {
		return fmt.Errorf("%w: zmq address %q is not of the form transport://endpoint", config.ErrInvalidConfig, address)
	}
	switch scheme {
	case "tcp", "ipc", "inproc":
		return nil
	default:
		return fmt.Errorf("%w: unsupported zmq transport %q", config.ErrInvalidConfig, scheme)
	}
}

func (c *ZMQConsumer) dialing() bool {
	return c.source.Method != "bind"
}

// Start creates the socket and begins receiving. A bind happens before Start
// returns; a connect is made in the background, like a libzmq connect, and
// is re-established whenever the peer goes away.
func (c *ZMQConsumer) Start(ctx context.Context) error {
	factory, err := socketFactory(c.source.Type)
	if err != nil {
		return err
	}
	sockCtx, cancel := context.WithCancel(ctx)
	socket := factory(sockCtx,
		zmq4.WithDialerRetry(c.opts.DialRetry),
		zmq4.WithDialerMaxRetries(c.opts.DialRetries),
		zmq4.WithAutomaticReconnect(c.dialing()),
	)

	// topics set before any connection are sent to every peer on connect
	if c.source.Type == "sub" || c.source.Type == "" {
		if err := socket.SetOption(zmq4.OptionSubscribe, c.source.Topic); err != nil {
			cancel()
			_ = socket.Close()
			return fmt.Errorf("zmq subscribe %q: %w", c.source.Topic, err)
		}
	}
	if !c.dialing() {
		if err := socket.Listen(c.source.Address); err != nil {
			cancel()
			_ = socket.Close()
			return fmt.Errorf("zmq bind %s: %w", c.source.Address, err)
		}
	}

	c.mu.Lock()
	c.socket, c.cancel = socket, cancel
	c.mu.Unlock()

	c.logger.Info().Str("type", c.source.Type).Str("method", c.source.Method).Msg("ZeroMQ socket ready")
	go c.receive(sockCtx, socket)
	return nil
}

func (c *ZMQConsumer) receive(ctx context.Context, socket zmq4.Socket) {
	defer c.markDone()
	defer close(c.output)

	if c.dialing() {
		if err := socket.Dial(c.source.Address); err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Int("retries", c.opts.DialRetries).Msg("ZeroMQ connect gave up")
			}
			return
		}
		c.logger.Info().Msg("ZeroMQ connected")
	}

	for {
		if c.source.Type == "req" {
			if err := socket.Send(zmq4.NewMsg(nil)); err != nil {
				if c.pause(ctx, err, "request") {
					continue
				}
				return
			}
		}
		msg, err := socket.Recv()
		if err != nil {
			if c.pause(ctx, err, "receive") {
				continue
			}
			return
		}
		if c.source.Type == "rep" {
			if err := socket.Send(zmq4.NewMsg(nil)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send empty reply")
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}

		topic := c.source.Topic
		if len(msg.Frames) > 1 {
			topic = string(msg.Frames[0])
		}
		last := msg.Frames[len(msg.Frames)-1]
		payload := make([]byte, len(last))
		copy(payload, last)

		if !c.deliver(ctx, c.message("", topic, payload)) {
			return
		}
	}
}

// pause logs a socket error and waits briefly. It reports false once the
// consumer is stopping.
func (c *ZMQConsumer) pause(ctx context.Context, err error, op string) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	c.logger.Warn().Err(err).Str("op", op).Msg("ZeroMQ socket error")
	select {
	case <-ctx.Done():
		return false
	case <-time.After(100 * time.Millisecond):
		return true
	}
}

// Stop closes the socket and waits for the receive goroutine.
func (c *ZMQConsumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		socket, cancel := c.socket, c.cancel
		c.mu.Unlock()
		if socket == nil {
			c.markDone()
			return
		}
		c.logger.Info().Msg("Stopping ZeroMQ consumer...")
		cancel()
		err = socket.Close()
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			c.logger.Error().Msg("Timeout waiting for ZeroMQ receive goroutine to stop.")
		}
	})
	return err
}
