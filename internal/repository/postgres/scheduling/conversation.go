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

// defaultLockTimeout matches the scheduling defaults fallback.
const defaultLockTimeout = 10 * time.Second

// PostgresConversationRepository implements ConversationRepository using PostgreSQL
type PostgresConversationRepository struct {
	pool        *pgxpool.Pool
	tables      *postgres.TableNames
	logger      *slog.Logger
	lockTimeout time.Duration
}

// NewConversationRepository creates a new PostgresConversationRepository
func NewConversationRepository(config *postgres.RepositoryConfig) schedRepo.ConversationRepository {
	lockTimeout := config.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresConversationRepository{
		pool:        config.Pool,
		tables:      config.Tables,
		logger:      config.Logger,
		lockTimeout: lockTimeout,
	}
}

const conversationColumns = `
	id, space_id, reply_order, allow_self_responses, auto_remaining_steps,
	group_queue_revision, created_at, updated_at
`

// GetByID fetches a conversation without locking
func (r *PostgresConversationRepository) GetByID(ctx context.Context, id string) (*schedModels.Conversation, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, conversationColumns, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	return r.scanConversation(executor.QueryRow(ctx, query, id), id)
}

// GetForUpdate fetches the conversation and takes its row lock. The lock is
// held until the enclosing transaction commits or rolls back, serializing
// every mutation command for this conversation. Lock waits are bounded by a
// statement-local lock_timeout so a wedged holder surfaces as ErrLockTimeout
// instead of blocking the caller indefinitely.
func (r *PostgresConversationRepository) GetForUpdate(ctx context.Context, id string) (*schedModels.Conversation, error) {
	executor := postgres.GetExecutor(ctx, r.pool)

	// SET LOCAL only sticks inside a transaction, which GetForUpdate
	// requires anyway. lock_timeout takes no bind parameters, so the value is
	// formatted into the statement.
	if _, err := executor.Exec(ctx, lockTimeoutSQL(r.lockTimeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, conversationColumns, r.tables.Conversations)

	conv, err := r.scanConversation(executor.QueryRow(ctx, query, id), id)
	if err != nil {
		if postgres.IsPgLockNotAvailable(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrLockTimeout)
		}
		return nil, err
	}
	return conv, nil
}

// BumpRevision increments group_queue_revision by 1 in the store and returns
// the new value. Never computed from an in-memory copy.
func (r *PostgresConversationRepository) BumpRevision(ctx context.Context, id string) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET group_queue_revision = group_queue_revision + 1, updated_at = now()
		WHERE id = $1
		RETURNING group_queue_revision
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)

	var revision int64
	if err := executor.QueryRow(ctx, query, id).Scan(&revision); err != nil {
		if postgres.IsPgNoRowsError(err) {
			return 0, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("bump revision: %w", err)
	}

	return revision, nil
}

// SetAutoRemainingSteps updates the AI-to-AI chaining budget
func (r *PostgresConversationRepository) SetAutoRemainingSteps(ctx context.Context, id string, steps int) error {
	query := fmt.Sprintf(`
		UPDATE %s SET auto_remaining_steps = $2, updated_at = now() WHERE id = $1
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, steps)
	if err != nil {
		return fmt.Errorf("set auto remaining steps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresConversationRepository) scanConversation(row scanner, id string) (*schedModels.Conversation, error) {
	var conv schedModels.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.SpaceID,
		&conv.ReplyOrder,
		&conv.AllowSelfResponses,
		&conv.AutoRemainingSteps,
		&conv.GroupQueueRevision,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &conv, nil
}

// lockTimeoutSQL renders the statement-local lock_timeout for the configured
// bound, in milliseconds to keep sub-second values exact.
func lockTimeoutSQL(d time.Duration) string {
	return fmt.Sprintf(`SET LOCAL lock_timeout = '%dms'`, d.Milliseconds())
}

// scanner is implemented by both pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}
