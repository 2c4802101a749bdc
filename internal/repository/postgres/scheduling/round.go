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

// PostgresRoundRepository implements RoundRepository using PostgreSQL
type PostgresRoundRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewRoundRepository creates a new PostgresRoundRepository
func NewRoundRepository(config *postgres.RepositoryConfig) schedRepo.RoundRepository {
	return &PostgresRoundRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

const roundColumns = `
	id, conversation_id, status, scheduling_state, current_position,
	trigger_message_id, ended_reason, metadata, created_at, updated_at, ended_at
`

// CreateWithSlots inserts the round and its initial queue slots in order
func (r *PostgresRoundRepository) CreateWithSlots(ctx context.Context, round *schedModels.Round, slots []*schedModels.RoundParticipant) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	roundQuery := fmt.Sprintf(`
		INSERT INTO %s (
			id, conversation_id, status, scheduling_state, current_position,
			trigger_message_id, ended_reason, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`, r.tables.Rounds)

	err := executor.QueryRow(ctx, roundQuery,
		round.ID,
		round.ConversationID,
		round.Status,
		round.SchedulingState,
		round.CurrentPosition,
		round.TriggerMessageID,
		round.EndedReason,
		round.Metadata, // pgx handles map -> JSONB (nil becomes NULL)
	).Scan(&round.CreatedAt, &round.UpdatedAt)
	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", round.ConversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("create round: %w", err)
	}

	slotQuery := fmt.Sprintf(`
		INSERT INTO %s (id, round_id, space_membership_id, position, status)
		VALUES ($1, $2, $3, $4, $5)
	`, r.tables.RoundParticipants)

	for _, slot := range slots {
		if _, err := executor.Exec(ctx, slotQuery,
			slot.ID, slot.RoundID, slot.SpaceMembershipID, slot.Position, slot.Status,
		); err != nil {
			return fmt.Errorf("create slot at position %d: %w", slot.Position, err)
		}
	}

	return nil
}

// GetActive returns the single active round for a conversation with its slots
func (r *PostgresRoundRepository) GetActive(ctx context.Context, conversationID string) (*schedModels.Round, []*schedModels.RoundParticipant, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE conversation_id = $1 AND status = 'active' LIMIT 1
	`, roundColumns, r.tables.Rounds)

	executor := postgres.GetExecutor(ctx, r.pool)
	round, err := scanRound(executor.QueryRow(ctx, query, conversationID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, nil, fmt.Errorf("active round for conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("get active round: %w", err)
	}

	slots, err := r.listSlots(ctx, round.ID)
	if err != nil {
		return nil, nil, err
	}
	return round, slots, nil
}

// GetByID returns a round and its slots ordered by position
func (r *PostgresRoundRepository) GetByID(ctx context.Context, roundID string) (*schedModels.Round, []*schedModels.RoundParticipant, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, roundColumns, r.tables.Rounds)

	executor := postgres.GetExecutor(ctx, r.pool)
	round, err := scanRound(executor.QueryRow(ctx, query, roundID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, nil, fmt.Errorf("round %s: %w", roundID, domain.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("get round: %w", err)
	}

	slots, err := r.listSlots(ctx, roundID)
	if err != nil {
		return nil, nil, err
	}
	return round, slots, nil
}

// UpdateRound persists the mutable round columns
func (r *PostgresRoundRepository) UpdateRound(ctx context.Context, round *schedModels.Round) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, scheduling_state = $3, current_position = $4,
			ended_reason = $5, metadata = $6, ended_at = $7, updated_at = now()
		WHERE id = $1
	`, r.tables.Rounds)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query,
		round.ID,
		round.Status,
		round.SchedulingState,
		round.CurrentPosition,
		round.EndedReason,
		round.Metadata,
		round.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s: %w", round.ID, domain.ErrNotFound)
	}
	return nil
}

// UpdateSlotStatus sets one slot's status
func (r *PostgresRoundRepository) UpdateSlotStatus(ctx context.Context, slotID string, status schedModels.SlotStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1`, r.tables.RoundParticipants)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, slotID, status)
	if err != nil {
		return fmt.Errorf("update slot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("slot %s: %w", slotID, domain.ErrNotFound)
	}
	return nil
}

// AppendSlot inserts a trailing slot
func (r *PostgresRoundRepository) AppendSlot(ctx context.Context, slot *schedModels.RoundParticipant) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, round_id, space_membership_id, position, status)
		VALUES ($1, $2, $3, $4, $5)
	`, r.tables.RoundParticipants)

	executor := postgres.GetExecutor(ctx, r.pool)
	if _, err := executor.Exec(ctx, query,
		slot.ID, slot.RoundID, slot.SpaceMembershipID, slot.Position, slot.Status,
	); err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("round %s: %w", slot.RoundID, domain.ErrNotFound)
		}
		return fmt.Errorf("append slot: %w", err)
	}
	return nil
}

// DeleteSlot removes one slot by row identity
func (r *PostgresRoundRepository) DeleteSlot(ctx context.Context, slotID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.tables.RoundParticipants)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, slotID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("slot %s: %w", slotID, domain.ErrNotFound)
	}
	return nil
}

// ReindexSlots rewrites slot positions to match the given order. Positions go
// through a negative staging pass first so the (round_id, position) unique
// constraint never trips mid-rewrite.
func (r *PostgresRoundRepository) ReindexSlots(ctx context.Context, roundID string, orderedSlotIDs []string) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	stage := fmt.Sprintf(`UPDATE %s SET position = -position - 1 WHERE round_id = $1`, r.tables.RoundParticipants)
	if _, err := executor.Exec(ctx, stage, roundID); err != nil {
		return fmt.Errorf("stage slot positions: %w", err)
	}

	assign := fmt.Sprintf(`UPDATE %s SET position = $3 WHERE round_id = $1 AND id = $2`, r.tables.RoundParticipants)
	for i, slotID := range orderedSlotIDs {
		tag, err := executor.Exec(ctx, assign, roundID, slotID, i)
		if err != nil {
			return fmt.Errorf("reindex slot %s: %w", slotID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("slot %s: %w", slotID, domain.ErrNotFound)
		}
	}

	return nil
}

func (r *PostgresRoundRepository) listSlots(ctx context.Context, roundID string) ([]*schedModels.RoundParticipant, error) {
	query := fmt.Sprintf(`
		SELECT id, round_id, space_membership_id, position, status
		FROM %s WHERE round_id = $1 ORDER BY position ASC
	`, r.tables.RoundParticipants)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []*schedModels.RoundParticipant
	for rows.Next() {
		var s schedModels.RoundParticipant
		if err := rows.Scan(&s.ID, &s.RoundID, &s.SpaceMembershipID, &s.Position, &s.Status); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}

	return slots, nil
}

func scanRound(row scanner) (*schedModels.Round, error) {
	var round schedModels.Round
	err := row.Scan(
		&round.ID,
		&round.ConversationID,
		&round.Status,
		&round.SchedulingState,
		&round.CurrentPosition,
		&round.TriggerMessageID,
		&round.EndedReason,
		&round.Metadata, // pgx handles JSONB -> map
		&round.CreatedAt,
		&round.UpdatedAt,
		&round.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &round, nil
}
