package consumers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/rs/zerolog"
)

// MQTTOptions are the "options" of an mqtt target.
type MQTTOptions struct {
	QoS                byte          `mapstructure:"qos"`
	ClientID           string        `mapstructure:"client_id"`
	ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	CACertFile         string        `mapstructure:"ca_cert_file"`
	ClientCertFile     string        `mapstructure:"client_cert_file"`
	ClientKeyFile      string        `mapstructure:"client_key_file"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	KeepAlive          time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ReconnectWaitMax   time.Duration `mapstructure:"reconnect_wait_max"`
	CleanSession       bool          `mapstructure:"clean_session"`
	Buffer             int           `mapstructure:"buffer"`
}

// MQTTConsumer subscribes to an MQTT topic filter. Messages are acknowledged
// to the broker only once they are persisted.
type MQTTConsumer struct {
	channelConsumer
	opts MQTTOptions

	client   mqtt.Client
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewMQTTConsumer validates the options of cfg.
func NewMQTTConsumer(cfg config.SourceConfig, logger zerolog.Logger) (*MQTTConsumer, error) {
	opts := MQTTOptions{
		QoS:              1,
		ClientIDPrefix:   "mq2db-",
		KeepAlive:        30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: time.Minute,
		CleanSession:     true,
	}
	if err := decodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("%w: mqtt qos %d", config.ErrInvalidConfig, opts.QoS)
	}
	log := logger.With().
		Str("component", "MQTTConsumer").
		Str("target", cfg.Name).
		Str("broker", cfg.Address).
		Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTConsumer{
		channelConsumer: newChannelConsumer(cfg, opts.Buffer, log),
		opts:            opts,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start connects to the broker. The subscription is (re)established by the
// connect handler, so it survives reconnects.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.source.Address)

	clientID := c.opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s%d", c.opts.ClientIDPrefix, time.Now().UnixNano()%1000000)
	}
	opts.SetClientID(clientID)
	opts.SetUsername(c.opts.Username)
	opts.SetPassword(c.opts.Password)
	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.opts.ReconnectWaitMax)
	opts.SetCleanSession(c.opts.CleanSession)
	opts.SetOrderMatters(false)
	opts.SetAutoAckDisabled(true)

	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		c.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	lower := strings.ToLower(c.source.Address)
	if strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") || strings.HasPrefix(lower, "mqtts://") {
		tlsConfig, err := newTLSConfig(c.opts)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Lost MQTT connection. Auto-reconnect will be attempted.")
	})

	c.client = mqtt.NewClient(opts)
	c.logger.Info().Str("client_id", clientID).Msg("Connecting to MQTT broker...")

	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", c.source.Address)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.source.Address, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.ctx.Done():
		}
	}()
	return nil
}

func (c *MQTTConsumer) onConnect(client mqtt.Client) {
	topic := c.source.Topic
	token := client.Subscribe(topic, c.opts.QoS, c.handleMessage)
	if token.Wait() && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		return
	}
	c.logger.Info().Str("topic", topic).Uint8("qos", c.opts.QoS).Msg("Subscribed to MQTT topic")
}

// handleMessage runs on paho's goroutines. It blocks while the worker's
// channel is full, which applies backpressure to the broker.
func (c *MQTTConsumer) handleMessage(_ mqtt.Client, m mqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	msg := c.message("", m.Topic(), payload)
	var ackOnce sync.Once
	msg.Ack = func() { ackOnce.Do(m.Ack) }
	c.deliver(c.ctx, msg)
}

// Stop unsubscribes and disconnects.
func (c *MQTTConsumer) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MQTT consumer...")
		c.cancel()
		if c.client != nil && c.client.IsConnected() {
			if token := c.client.Unsubscribe(c.source.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
			}
			c.client.Disconnect(500)
		}
		c.markDone()
		c.logger.Info().Msg("MQTT consumer stopped.")
	})
	return nil
}

// newTLSConfig builds the client TLS configuration from certificate files.
func newTLSConfig(opts MQTTOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if opts.CACertFile != "" {
		caCert, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", opts.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", opts.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if opts.ClientCertFile != "" && opts.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
