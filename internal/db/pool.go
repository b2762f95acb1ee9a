package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// The ledger sees one short insert per step sync, so a small pool is enough.
const (
	defaultMaxConns        = 4
	defaultMaxConnIdleTime = 5 * time.Minute
)

// Ledger is the Postgres-backed step sync ledger.
type Ledger struct {
	*Queries
	pool *pgxpool.Pool
}

// OpenLedger connects to databaseURL and verifies the connection.
// pool_max_conns in the URL overrides the default pool size.
func OpenLedger(ctx context.Context, databaseURL string, log *zap.Logger) (*Ledger, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if config.ConnConfig.RuntimeParams["application_name"] == "" {
		config.ConnConfig.RuntimeParams["application_name"] = "onboard-api"
	}
	if !strings.Contains(databaseURL, "pool_max_conns") {
		config.MaxConns = defaultMaxConns
	}
	config.MaxConnIdleTime = defaultMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Step sync ledger connected", zap.Int32("max_conns", config.MaxConns))
	return &Ledger{Queries: NewQueries(pool, log), pool: pool}, nil
}

func (l *Ledger) Close() {
	l.pool.Close()
}
