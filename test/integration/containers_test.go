//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Environment holds the legacy and destination containers shared by every
// test in the package.
type Environment struct {
	MongoURI    string
	PostgresDSN string
}

var (
	sharedEnv     *Environment
	sharedEnvOnce sync.Once
	sharedEnvErr  error
)

// GetEnvironment starts MongoDB and PostgreSQL once per test run.
func GetEnvironment(t *testing.T) *Environment {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedEnvOnce.Do(func() {
		sharedEnv, sharedEnvErr = setupEnvironment(context.Background())
	})
	if sharedEnvErr != nil {
		t.Fatalf("Failed to set up containers: %v", sharedEnvErr)
	}
	return sharedEnv
}

func setupEnvironment(ctx context.Context) (*Environment, error) {
	mongoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting mongo container: %w", err)
	}
	mongoURI, err := endpoint(ctx, mongoC, "27017", "mongodb://%s:%s")
	if err != nil {
		return nil, err
	}

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "pulp",
				"POSTGRES_USER":     "pulp",
				"POSTGRES_PASSWORD": "test_password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("starting postgres container: %w", err)
	}
	dsn, err := endpoint(ctx, pgC, "5432", "postgres://pulp:test_password@%s:%s/pulp?sslmode=disable")
	if err != nil {
		return nil, err
	}

	return &Environment{MongoURI: mongoURI, PostgresDSN: dsn}, nil
}

func endpoint(ctx context.Context, c testcontainers.Container, port, format string) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}
	return fmt.Sprintf(format, host, mapped.Port()), nil
}
