package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 30 * time.Second

// PostgresContainer is the queue, schedule and directory database.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// RedisContainer backs the recipient cache.
type RedisContainer struct {
	testcontainers.Container
	URL string
}

// MailpitContainer captures SMTP deliveries and exposes them over HTTP.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// NewPostgresContainer starts an empty notifyq database. The schema is
// applied by the app's auto-migrate.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("notifyq"),
		postgres.WithUsername("notifyq"),
		postgres.WithPassword("notifyq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("get connection string: %w", err)
	}
	return &PostgresContainer{PostgresContainer: container, ConnectionString: connStr}, nil
}

// NewRedisContainer starts a Redis server reachable at the returned URL.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(startupTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	host, port, err := endpoint(ctx, container, "6379/tcp")
	if err != nil {
		return nil, err
	}
	return &RedisContainer{Container: container, URL: fmt.Sprintf("redis://%s:%d/0", host, port)}, nil
}

// NewMailpitContainer starts Mailpit with its SMTP and API ports mapped.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	container, err := startGeneric(ctx, testcontainers.ContainerRequest{
		Image:        "ghcr.io/axllent/mailpit:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(startupTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	smtpHost, smtpPort, err := endpoint(ctx, container, "1025/tcp")
	if err != nil {
		return nil, err
	}
	apiHost, apiPort, err := endpoint(ctx, container, "8025/tcp")
	if err != nil {
		return nil, err
	}
	return &MailpitContainer{
		Container: container,
		SMTPHost:  smtpHost,
		SMTPPort:  smtpPort,
		APIHost:   apiHost,
		APIPort:   apiPort,
	}, nil
}

func startGeneric(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, error) {
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

// endpoint returns the host and mapped port of an exposed container port.
func endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("get host for %s: %w", port, err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", 0, fmt.Errorf("get mapped port %s: %w", port, err)
	}
	return host, mapped.Int(), nil
}
