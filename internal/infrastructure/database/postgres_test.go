package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDBConfig_ConnectionStrings(t *testing.T) {
	t.Parallel()

	cfg := DBConfig{Host: "db", Port: 5433, User: "switch", Password: "secret", DBName: "payments"}

	assert.Equal(t, "host=db port=5433 user=switch password=secret dbname=payments sslmode=disable", cfg.DSN())
	assert.Equal(t, "postgres://switch:secret@db:5433/payments?sslmode=disable", cfg.MigrationURL())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.MigrationURL(), "sslmode=require")
}

func TestConnectWithRetry_StopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cfg := DBConfig{Host: "127.0.0.1", Port: 1, User: "u", Password: "p", DBName: "d"}
	_, err := ConnectWithRetry(ctx, cfg, 100, time.Second, zap.NewNop())
	require.Error(t, err)
}
