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

// PostgresMembershipRepository implements MembershipRepository using PostgreSQL
type PostgresMembershipRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewMembershipRepository creates a new PostgresMembershipRepository
func NewMembershipRepository(config *postgres.RepositoryConfig) schedRepo.MembershipRepository {
	return &PostgresMembershipRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

const membershipColumns = `
	id, space_id, kind, display_name, position, participation,
	persona_character_id, copilot_enabled, talkativeness, created_at
`

// ListBySpace returns all memberships of a space ordered by position
func (r *PostgresMembershipRepository) ListBySpace(ctx context.Context, spaceID string) ([]*schedModels.SpaceMembership, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE space_id = $1 ORDER BY position ASC, created_at ASC
	`, membershipColumns, r.tables.SpaceMemberships)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var members []*schedModels.SpaceMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}

	return members, nil
}

// GetByID fetches a single membership
func (r *PostgresMembershipRepository) GetByID(ctx context.Context, id string) (*schedModels.SpaceMembership, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, membershipColumns, r.tables.SpaceMemberships)

	executor := postgres.GetExecutor(ctx, r.pool)
	m, err := scanMembership(executor.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("membership %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func scanMembership(row scanner) (*schedModels.SpaceMembership, error) {
	var m schedModels.SpaceMembership
	err := row.Scan(
		&m.ID,
		&m.SpaceID,
		&m.Kind,
		&m.DisplayName,
		&m.Position,
		&m.Participation,
		&m.PersonaCharacterID,
		&m.CopilotEnabled,
		&m.Talkativeness,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
