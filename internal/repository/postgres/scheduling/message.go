package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jasl/tavern-kit-sub011/internal/domain"
	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedRepo "github.com/jasl/tavern-kit-sub011/internal/domain/repositories/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/repository/postgres"
)

// PostgresMessageRepository implements MessageRepository using PostgreSQL
type PostgresMessageRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewMessageRepository creates a new PostgresMessageRepository
func NewMessageRepository(config *postgres.RepositoryConfig) schedRepo.MessageRepository {
	return &PostgresMessageRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

const messageColumns = `
	id, conversation_id, role, author_membership_id, authored_by_copilot,
	content, created_at
`

// Append stores a produced message
func (r *PostgresMessageRepository) Append(ctx context.Context, msg *schedModels.Message) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, conversation_id, role, author_membership_id,
			authored_by_copilot, content, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.AuthorMembershipID,
		msg.AuthoredByCopilot,
		msg.Content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetByID fetches one message
func (r *PostgresMessageRepository) GetByID(ctx context.Context, id string) (*schedModels.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, messageColumns, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	msg, err := scanMessage(executor.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// Last returns the newest message of the conversation
func (r *PostgresMessageRepository) Last(ctx context.Context, conversationID string) (*schedModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, messageColumns, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	msg, err := scanMessage(executor.QueryRow(ctx, query, conversationID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("last message: %w", domain.ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// LastRealUserMessage returns the newest user-role, non-copilot message
func (r *PostgresMessageRepository) LastRealUserMessage(ctx context.Context, conversationID string) (*schedModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE conversation_id = $1 AND role = 'user' AND authored_by_copilot = false
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, messageColumns, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	msg, err := scanMessage(executor.QueryRow(ctx, query, conversationID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("last user message: %w", domain.ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// SpeakersSince returns author membership IDs after the given message,
// oldest first
func (r *PostgresMessageRepository) SpeakersSince(ctx context.Context, conversationID string, sinceMessageID *string) ([]string, error) {
	var query string
	args := []interface{}{conversationID}

	if sinceMessageID != nil {
		query = fmt.Sprintf(`
			SELECT author_membership_id FROM %s
			WHERE conversation_id = $1 AND author_membership_id IS NOT NULL
			AND created_at > (SELECT created_at FROM %s WHERE id = $2)
			ORDER BY created_at ASC, id ASC
		`, r.tables.Messages, r.tables.Messages)
		args = append(args, *sinceMessageID)
	} else {
		query = fmt.Sprintf(`
			SELECT author_membership_id FROM %s
			WHERE conversation_id = $1 AND author_membership_id IS NOT NULL
			ORDER BY created_at ASC, id ASC
		`, r.tables.Messages)
	}

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list speakers: %w", err)
	}
	defer rows.Close()

	var speakers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan speaker: %w", err)
		}
		speakers = append(speakers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate speakers: %w", err)
	}

	return speakers, nil
}

// Recent returns up to limit newest messages, oldest first
func (r *PostgresMessageRepository) Recent(ctx context.Context, conversationID string, limit int) ([]*schedModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT %s FROM %s WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		) newest
		ORDER BY created_at ASC, id ASC
	`, messageColumns, messageColumns, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*schedModels.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*schedModels.Message, error) {
	var msg schedModels.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.AuthorMembershipID,
		&msg.AuthoredByCopilot,
		&msg.Content,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
