package repositories_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	postgresOnce      sync.Once
	postgresContainer testcontainers.Container
	postgresHost      string
	postgresPort      string
	postgresErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

// testPostgres returns DB_HOST/DB_PORT when set, otherwise a throwaway
// postgres container shared by the package.
func testPostgres(t *testing.T) (string, string) {
	t.Helper()
	if host := os.Getenv("DB_HOST"); host != "" {
		return host, envOr("DB_PORT", "5432")
	}

	postgresOnce.Do(func() {
		ctx := context.Background()
		postgresContainer, postgresErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:15-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     envOr("DB_USER_NAME", "user"),
					"POSTGRES_PASSWORD": envOr("DB_PASSWORD", "password"),
					"POSTGRES_DB":       envOr("DB_NAME", "sage"),
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if postgresErr != nil {
			return
		}
		if postgresHost, postgresErr = postgresContainer.Host(ctx); postgresErr != nil {
			return
		}
		port, err := postgresContainer.MappedPort(ctx, "5432")
		if err != nil {
			postgresErr = err
			return
		}
		postgresPort = port.Port()
	})

	require.NoError(t, postgresErr, "Failed to start postgres container")
	return postgresHost, postgresPort
}
