package loadgen

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// ZMQClient publishes on a PUB or PUSH socket. PUB messages are sent as two
// frames, topic then payload, so SUB consumers can filter on the prefix.
type ZMQClient struct {
	address      string
	socketType   string
	bind         bool
	topicPattern string
	logger       zerolog.Logger

	mu     sync.Mutex
	socket zmq4.Socket
}

// NewZMQClient returns a client for socketType "pub" or "push".
func NewZMQClient(address, socketType string, bind bool, topicPattern string, logger zerolog.Logger) (*ZMQClient, error) {
	socketType = strings.ToLower(socketType)
	if socketType != "pub" && socketType != "push" {
		return nil, fmt.Errorf("zmq load generator supports pub and push sockets, got %q", socketType)
	}
	return &ZMQClient{
		address:      address,
		socketType:   socketType,
		bind:         bind,
		topicPattern: topicPattern,
		logger:       logger.With().Str("component", "ZMQClient").Str("address", address).Logger(),
	}, nil
}

// Connect binds or dials the socket. A PUB socket needs a moment before
// subscribers receive anything; the first messages may be lost.
func (c *ZMQClient) Connect(ctx context.Context) error {
	if c.socketType == "pub" {
		c.socket = zmq4.NewPub(ctx)
	} else {
		c.socket = zmq4.NewPush(ctx)
	}
	var err error
	if c.bind {
		err = c.socket.Listen(c.address)
	} else {
		err = c.socket.Dial(c.address)
	}
	if err != nil {
		_ = c.socket.Close()
		return fmt.Errorf("zmq %s %s: %w", c.socketType, c.address, err)
	}
	c.logger.Info().Str("socket", c.socketType).Bool("bind", c.bind).Msg("ZeroMQ socket ready")
	return nil
}

func (c *ZMQClient) Disconnect() {
	if c.socket != nil {
		_ = c.socket.Close()
	}
}

func (c *ZMQClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg zmq4.Msg
	if c.socketType == "pub" {
		msg = zmq4.NewMsgFrom([]byte(TopicFor(c.topicPattern, device)), payload)
	} else {
		msg = zmq4.NewMsg(payload)
	}

	// zmq4 sockets are not safe for concurrent sends.
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.socket.Send(msg); err != nil {
		return fmt.Errorf("zmq send for device %s: %w", device.ID, err)
	}
	return nil
}
