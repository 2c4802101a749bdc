package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedRepo "github.com/jasl/tavern-kit-sub011/internal/domain/repositories/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/repository/postgres"
)

// PostgresRunRepository implements RunRepository using PostgreSQL.
//
// Live-run status transitions use conditional UPDATEs checked via rows
// affected instead of read-then-write. Whoever wins the conditional update
// owns the transition; the loser observes zero rows and treats it as a benign
// no-op.
type PostgresRunRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewRunRepository creates a new PostgresRunRepository
func NewRunRepository(config *postgres.RepositoryConfig) schedRepo.RunRepository {
	return &PostgresRunRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

const runColumns = `
	id, conversation_id, conversation_round_id, speaker_space_membership_id,
	kind, status, run_after, cancel_requested_at, error, debug,
	created_at, started_at, completed_at
`

// Create inserts a new run
func (r *PostgresRunRepository) Create(ctx context.Context, run *schedModels.Run) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, conversation_id, conversation_round_id,
			speaker_space_membership_id, kind, status, run_after, debug, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING created_at
	`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		run.ID,
		run.ConversationID,
		run.RoundID,
		run.SpeakerID,
		run.Kind,
		run.Status,
		run.RunAfter,
		run.Debug, // pgx encodes the struct to JSONB
	).Scan(&run.CreatedAt)
	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", run.ConversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("create run: %w", err)
	}

	return nil
}

// GetByID fetches a run
func (r *PostgresRunRepository) GetByID(ctx context.Context, id string) (*schedModels.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	run, err := scanRun(executor.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// CancelQueuedForRound flips queued runs of a round to canceled. Conditional
// on status so a run concurrently claimed to running is left for cooperative
// cancellation.
func (r *PostgresRunRepository) CancelQueuedForRound(ctx context.Context, roundID string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'canceled', completed_at = now()
		WHERE conversation_round_id = $1 AND status = 'queued'
	`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, roundID)
	if err != nil {
		return 0, fmt.Errorf("cancel queued runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequestCancelRunning sets the cooperative cancel flag on the round's
// running run, if any
func (r *PostgresRunRepository) RequestCancelRunning(ctx context.Context, roundID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET cancel_requested_at = now()
		WHERE conversation_round_id = $1 AND status = 'running' AND cancel_requested_at IS NULL
	`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	if _, err := executor.Exec(ctx, query, roundID); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// CountLive returns how many queued or running runs exist for a conversation
func (r *PostgresRunRepository) CountLive(ctx context.Context, conversationID string) (int, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE conversation_id = $1 AND status IN ('queued', 'running')
	`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	var count int
	if err := executor.QueryRow(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count live runs: %w", err)
	}
	return count, nil
}

// ClaimNextQueued claims the oldest due queued run in a single statement.
// FOR UPDATE SKIP LOCKED keeps concurrent workers from blocking each other;
// the status re-check in the outer WHERE makes the claim a compare-and-swap.
func (r *PostgresRunRepository) ClaimNextQueued(ctx context.Context, now time.Time) (*schedModels.Run, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = now()
		WHERE id = (
			SELECT id FROM %s
			WHERE status = 'queued' AND run_after <= $1
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING %s
	`, r.tables.Runs, r.tables.Runs, runColumns)

	executor := postgres.GetExecutor(ctx, r.pool)
	run, err := scanRun(executor.QueryRow(ctx, query, now))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// CancelRequested re-reads the cooperative cancellation flag
func (r *PostgresRunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT cancel_requested_at IS NOT NULL FROM %s WHERE id = $1`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	var requested bool
	if err := executor.QueryRow(ctx, query, id).Scan(&requested); err != nil {
		if postgres.IsPgNoRowsError(err) {
			return false, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return false, fmt.Errorf("check cancel requested: %w", err)
	}
	return requested, nil
}

// MarkSucceeded completes a running run
func (r *PostgresRunRepository) MarkSucceeded(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'succeeded', completed_at = now()
		WHERE id = $1 AND status = 'running'
	`, r.tables.Runs)

	return r.conditionalUpdate(ctx, query, id)
}

// MarkFailed completes a running run with error details
func (r *PostgresRunRepository) MarkFailed(ctx context.Context, id string, errMsg string, failure *schedModels.FailureDebug) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'failed', completed_at = now(), error = $2,
			debug = jsonb_set(coalesce(debug, '{}'::jsonb), '{failure}', $3::jsonb)
		WHERE id = $1 AND status = 'running'
	`, r.tables.Runs)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, errMsg, failure)
	if err != nil {
		return false, fmt.Errorf("mark run failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCanceled completes a queued or running run as canceled
func (r *PostgresRunRepository) MarkCanceled(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'canceled', completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, r.tables.Runs)

	return r.conditionalUpdate(ctx, query, id)
}

func (r *PostgresRunRepository) conditionalUpdate(ctx context.Context, query string, id string) (bool, error) {
	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanRun(row scanner) (*schedModels.Run, error) {
	var run schedModels.Run
	err := row.Scan(
		&run.ID,
		&run.ConversationID,
		&run.RoundID,
		&run.SpeakerID,
		&run.Kind,
		&run.Status,
		&run.RunAfter,
		&run.CancelRequestedAt,
		&run.Error,
		&run.Debug, // pgx handles JSONB -> struct
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
