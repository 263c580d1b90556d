package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMySQLImage = "mysql:8.4"
	testMySQLPort  = "3306"
)

type MySQLConfig struct {
	ImageContainer
	Database string
	Password string
}

func GetDefaultMySQLConfig(database string) MySQLConfig {
	return MySQLConfig{
		ImageContainer: ImageContainer{
			EmulatorImage:    testMySQLImage,
			EmulatorHTTPPort: testMySQLPort,
		},
		Database: database,
		Password: "mq2db",
	}
}

// SetupMySQLContainer starts a MySQL server and returns a mysql:// URL for
// the root user.
func SetupMySQLContainer(t *testing.T, ctx context.Context, cfg MySQLConfig) EmulatorConnectionInfo {
	t.Helper()
	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort))
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_DATABASE":      cfg.Database,
			"MYSQL_ROOT_PASSWORD": cfg.Password,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("port: 3306  MySQL Community Server"),
			wait.ForListeningPort(port),
		).WithDeadline(3 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate MySQL container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	address := fmt.Sprintf("mysql://root:%s@%s:%s/%s", cfg.Password, host, mapped.Port(), cfg.Database)
	dsn := mysql.NewConfig()
	dsn.User, dsn.Passwd = "root", cfg.Password
	dsn.Net, dsn.Addr = "tcp", fmt.Sprintf("%s:%s", host, mapped.Port())
	dsn.DBName = cfg.Database
	t.Logf("MySQL container started on %s:%s", host, mapped.Port())
	return EmulatorConnectionInfo{EmulatorAddress: address, DSN: dsn.FormatDSN()}
}
