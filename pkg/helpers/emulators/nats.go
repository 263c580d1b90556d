package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testNatsImage = "nats:2.10-alpine"
	testNatsPort  = "4222"
)

func GetDefaultNatsImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testNatsImage,
		EmulatorHTTPPort: testNatsPort,
	}
}

// SetupNatsContainer starts a NATS server and returns its nats:// URL.
func SetupNatsContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnectionInfo {
	t.Helper()
	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort))
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate NATS container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	address := fmt.Sprintf("nats://%s:%s", host, mapped.Port())
	t.Logf("NATS container started, listening on: %s", address)
	return EmulatorConnectionInfo{EmulatorAddress: address}
}
