//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:13-alpine"

// TestDBInstance holds a running database container.
type TestDBInstance struct {
	Container testcontainers.Container
	Host      string
	Port      nat.Port
	Username  string
	Password  string
	DBName    string
}

// mustPortInt converts a nat.Port to int.
func mustPortInt(t *testing.T, port nat.Port) int {
	t.Helper()
	p, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatalf("Failed to convert port %s to int: %v", port.Port(), err)
	}
	return p
}

// startPostgresContainer starts PostgreSQL with a superuser named user.
func startPostgresContainer(ctx context.Context, t *testing.T, user, password, dbName string) *TestDBInstance {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get postgres container host: %s", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get mapped port for postgres: %s", err)
	}
	t.Logf("PostgreSQL container started. Host: %s, Port: %s", host, mappedPort.Port())

	return &TestDBInstance{
		Container: container,
		Host:      host,
		Port:      mappedPort,
		Username:  user,
		Password:  password,
		DBName:    dbName,
	}
}

// ConnString returns a postgres:// connection string for the container.
// A non-empty username selects RBAC mode.
func (i *TestDBInstance) ConnString(t *testing.T, username string) string {
	s := fmt.Sprintf("postgres://%s:%d/%s", i.Host, mustPortInt(t, i.Port), i.DBName)
	if username != "" {
		s += "?username=" + username
	}
	return s
}

// rawExec runs statements as the container superuser through lib/pq,
// independent of the code under test.
func (i *TestDBInstance) rawExec(ctx context.Context, t *testing.T, stmts ...string) {
	t.Helper()
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		i.Host, i.Port.Port(), i.Username, i.Password, i.DBName)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open lib/pq connection: %v", err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("Failed to execute %q: %v", stmt, err)
		}
	}
}

// stopContainer terminates the container.
func stopContainer(ctx context.Context, t *testing.T, instance *TestDBInstance) {
	t.Helper()
	if instance == nil || instance.Container == nil {
		return
	}
	if err := instance.Container.Terminate(ctx); err != nil {
		t.Logf("Warning: failed to terminate postgres container: %s", err)
	} else {
		t.Logf("postgres container terminated successfully.")
	}
}
