package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jasl/tavern-kit-sub011/internal/domain/repositories"
)

// RepositoryConfig holds configuration for repository implementations
type RepositoryConfig struct {
	Pool   *pgxpool.Pool
	Tables *TableNames
	Logger *slog.Logger

	// LockTimeout bounds row-lock waits (SET LOCAL lock_timeout) so the
	// statement-level bound matches the command layer's configured one.
	LockTimeout time.Duration
}

// TableNames holds dynamically prefixed table names
type TableNames struct {
	Conversations     string
	SpaceMemberships  string
	Messages          string
	Rounds            string
	RoundParticipants string
	Runs              string
}

// NewTableNames creates table names with the given prefix
func NewTableNames(prefix string) *TableNames {
	return &TableNames{
		Conversations:     fmt.Sprintf("%sconversations", prefix),
		SpaceMemberships:  fmt.Sprintf("%sspace_memberships", prefix),
		Messages:          fmt.Sprintf("%smessages", prefix),
		Rounds:            fmt.Sprintf("%sconversation_rounds", prefix),
		RoundParticipants: fmt.Sprintf("%sround_participants", prefix),
		Runs:              fmt.Sprintf("%sconversation_runs", prefix),
	}
}

// CreateConnectionPool creates a new pgx connection pool.
//
// By default pgx uses prepared statements (QueryExecModeCacheStatement).
// Transaction-pooling PgBouncer setups (port 6543 on Supabase) do not support
// prepared statements, so when that port is detected we switch to
// QueryExecModeCacheDescribe: extended protocol (needed for JSONB encoding of
// map values) without server-side prepared statements. An explicit
// default_query_exec_mode in the connection string takes precedence.
//
// The fmt.Sprintf table prefixing used by the repositories is safe with
// prepared statements because the SQL string is interpolated before being
// sent; each environment prefix gets its own statements.
func CreateConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5

	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
		slog.Debug("auto-configured cache_describe mode for PgBouncer compatibility", "port", 6543)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// GetExecutor returns the appropriate query executor for the context.
// If a transaction is present in the context, it returns the transaction.
// Otherwise, it returns the provided pool. This lets repositories
// automatically participate in transactions when they exist.
func GetExecutor(ctx context.Context, pool *pgxpool.Pool) repositories.DBTX {
	if tx := repositories.GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}
