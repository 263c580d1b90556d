package loadgen_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/go-zeromq/zmq4"
	"github.com/illmade-knight/go-mq2db/pkg/helpers/loadgen"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fixedPayload []byte

func (p fixedPayload) GeneratePayload(*loadgen.Device) ([]byte, error) { return p, nil }

func TestNewZMQClient_RejectsSocketType(t *testing.T) {
	_, err := loadgen.NewZMQClient("inproc://x", "sub", true, "", zerolog.Nop())
	assert.Error(t, err)
}

func TestZMQClient_PushToPull(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pull := zmq4.NewPull(ctx)
	defer pull.Close()
	require.NoError(t, pull.Listen("inproc://loadgen-push"))

	client, err := loadgen.NewZMQClient("inproc://loadgen-push", "push", false, "", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	device := &loadgen.Device{ID: "dev-1", PayloadGenerator: fixedPayload("a,b\n1,2")}

	// Act
	require.NoError(t, client.Publish(ctx, device))

	// Assert
	msg, err := pull.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2"), msg.Bytes())
}

func TestNATSClient_Publish(t *testing.T) {
	// Arrange
	srv := natsserver.RunRandClientPortServer()
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("sensors.>", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	client := loadgen.NewNATSClient(srv.ClientURL(), "sensors.+", zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// Act
	require.NoError(t, client.Publish(ctx, &loadgen.Device{ID: "garden", PayloadGenerator: fixedPayload(`{"rssi":-40}`)}))
	client.Disconnect()

	// Assert
	select {
	case m := <-received:
		assert.Equal(t, "sensors.garden", m.Subject)
		assert.Equal(t, `{"rssi":-40}`, string(m.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPubSubClient_Publish(t *testing.T) {
	// Arrange
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()
	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}

	admin, err := pubsub.NewClient(ctx, "loadgen-project", opts...)
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.CreateTopic(ctx, "readings")
	require.NoError(t, err)

	missing := loadgen.NewPubSubClient("loadgen-project", "absent", opts, zerolog.Nop())
	assert.ErrorContains(t, missing.Connect(ctx), "does not exist")

	client := loadgen.NewPubSubClient("loadgen-project", "readings", opts, zerolog.Nop())
	require.NoError(t, client.Connect(ctx))

	// Act
	require.NoError(t, client.Publish(ctx, &loadgen.Device{ID: "dev-9", PayloadGenerator: fixedPayload("x")}))
	client.Disconnect()

	// Assert
	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("x"), msgs[0].Data)
	assert.Equal(t, "dev-9", msgs[0].Attributes["device"])
}
