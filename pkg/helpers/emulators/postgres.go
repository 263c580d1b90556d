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
	testPostgresImage = "postgres:16-alpine"
	testPostgresPort  = "5432"
)

type PostgresConfig struct {
	ImageContainer
	Database string
	User     string
	Password string
}

func GetDefaultPostgresConfig(database string) PostgresConfig {
	return PostgresConfig{
		ImageContainer: ImageContainer{
			EmulatorImage:    testPostgresImage,
			EmulatorHTTPPort: testPostgresPort,
		},
		Database: database,
		User:     "mq2db",
		Password: "mq2db",
	}
}

// SetupPostgresContainer starts a PostgreSQL server and returns its
// postgres:// URL. The container is terminated when the test ends.
func SetupPostgresContainer(t *testing.T, ctx context.Context, cfg PostgresConfig) EmulatorConnectionInfo {
	t.Helper()
	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort))
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_DB":       cfg.Database,
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
		},
		// the server logs readiness twice: once for the init run, once for real
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(port),
		).WithDeadline(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate PostgreSQL container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	address := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User, cfg.Password, host, mapped.Port(), cfg.Database)
	t.Logf("PostgreSQL container started on %s:%s", host, mapped.Port())
	return EmulatorConnectionInfo{EmulatorAddress: address}
}
