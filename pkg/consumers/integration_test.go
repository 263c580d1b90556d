//go:build integration

package consumers_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-mq2db/pkg/config"
	"github.com/illmade-knight/go-mq2db/pkg/consumers"
	"github.com/illmade-knight/go-mq2db/pkg/helpers/emulators"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQTTConsumer_Integration_Mosquitto(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mqttConnection := emulators.SetupMosquittoContainer(t, ctx, emulators.GetDefaultMqttImageContainer())

	src := config.SourceConfig{
		Name:      "gateway",
		Transport: config.TransportMQTT,
		Address:   mqttConnection.EmulatorAddress,
		Topic:     "devices/+/data",
		Recv:      config.RecvConfig{Method: config.RecvJSON},
		Options:   map[string]any{"qos": 1},
	}
	consumer, err := consumers.New(src, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	publisher, err := emulators.CreateTestMqttPublisher(mqttConnection.EmulatorAddress, "test-publisher-main")
	require.NoError(t, err)
	defer publisher.Disconnect(250)

	// the subscription is made by the connect handler; keep publishing until it lands
	var msgTopic string
	require.Eventually(t, func() bool {
		token := publisher.Publish("devices/d-7/data", 1, false, []byte(`{"rssi": -48}`))
		token.WaitTimeout(2 * time.Second)
		select {
		case msg := <-consumer.Messages():
			msgTopic = msg.Topic
			assert.Equal(t, map[string]any{"rssi": int64(-48)}, msg.Value)
			msg.AckMessage()
			return true
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 20*time.Second, 100*time.Millisecond)
	assert.Equal(t, "devices/d-7/data", msgTopic)
}

func TestGooglePubSubConsumer_Integration_Emulator(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const projectID, topicID, subID = "mq2db-it", "readings", "readings-sub"
	conn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID, map[string]string{topicID: subID}))

	src := config.SourceConfig{
		Name:      "pubsub-it",
		Transport: config.TransportPubSub,
		Address:   projectID,
		Topic:     subID,
		Recv:      config.RecvConfig{Method: config.RecvString},
		Options:   map[string]any{"emulator_host": conn.EmulatorAddress},
	}
	consumer, err := consumers.New(src, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	client, err := pubsub.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	defer client.Close()
	res := client.Topic(topicID).Publish(ctx, &pubsub.Message{Data: []byte("a,b\n1,2")})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, "a,b\n1,2", msg.Value)
		assert.NotEmpty(t, msg.ID)
		msg.AckMessage()
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for Pub/Sub message")
	}
}

func TestNATSConsumer_Integration_Container(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn := emulators.SetupNatsContainer(t, ctx, emulators.GetDefaultNatsImageContainer())

	src := config.SourceConfig{
		Name:      "nats-it",
		Transport: config.TransportNATS,
		Address:   conn.EmulatorAddress,
		Topic:     "sensors.*",
		Recv:      config.RecvConfig{Method: config.RecvJSON},
	}
	consumer, err := consumers.New(src, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	pub, err := nats.Connect(conn.EmulatorAddress)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("sensors.porch", []byte(`{"rssi": -61}`)))
	require.NoError(t, pub.Flush())

	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, "sensors.porch", msg.Topic)
		assert.Equal(t, map[string]any{"rssi": int64(-61)}, msg.Value)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for NATS message")
	}
}
