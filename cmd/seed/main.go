package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/jasl/tavern-kit-sub011/internal/config"
	"github.com/jasl/tavern-kit-sub011/internal/repository/postgres"
)

// Fixed IDs so repeated seeding is idempotent and the demo space is easy to
// hit from curl.
const (
	demoSpaceID        = "11111111-1111-1111-1111-111111111111"
	demoConversationID = "22222222-2222-2222-2222-222222222222"

	memberAriaID  = "33333333-3333-3333-3333-333333333301"
	memberBobID   = "33333333-3333-3333-3333-333333333302"
	memberClaraID = "33333333-3333-3333-3333-333333333303"

	ariaPersonaCharacterID = "44444444-4444-4444-4444-444444444401"
)

func main() {
	dropTables := flag.Bool("drop-tables", false, "Drop all tables before seeding (fresh start)")
	schemaOnly := flag.Bool("schema-only", false, "Only set up schema, don't seed demo data")
	clearData := flag.Bool("clear-data", false, "Clear all scheduling data (keep schema)")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()

	// Never run destructive flags against prod tables
	if cfg.Environment == "prod" && (*dropTables || *clearData) {
		log.Fatalf("BLOCKED: refusing --drop-tables/--clear-data in production environment")
	}

	log.Printf("seeding database (environment: %s, prefix: %s)", cfg.Environment, cfg.TablePrefix)

	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	tables := postgres.NewTableNames(cfg.TablePrefix)

	if *dropTables {
		log.Println("dropping all tables...")
		if err := dropAllTables(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
	}

	log.Println("ensuring database schema is up to date...")
	if err := runSchema(ctx, pool, tables, cfg.TablePrefix); err != nil {
		log.Fatalf("Failed to run schema: %v", err)
	}

	if *schemaOnly {
		log.Println("schema setup complete (schema-only mode)")
		return
	}

	if *clearData {
		if err := clearSchedulingData(ctx, pool, tables); err != nil {
			log.Fatalf("Failed to clear data: %v", err)
		}
		log.Println("data cleared")
		return
	}

	if err := seedDemoSpace(ctx, pool, tables); err != nil {
		log.Fatalf("Failed to seed demo space: %v", err)
	}

	log.Println("seeding complete")
	log.Printf("demo conversation: %s", demoConversationID)
}

// runSchema creates tables if they don't exist
func runSchema(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, tablePrefix string) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

		`CREATE TABLE IF NOT EXISTS ` + tables.Conversations + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			space_id UUID NOT NULL,
			reply_order TEXT NOT NULL DEFAULT 'natural',
			allow_self_responses BOOLEAN NOT NULL DEFAULT FALSE,
			auto_remaining_steps INTEGER NOT NULL DEFAULT 0,
			group_queue_revision BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + tables.SpaceMemberships + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			space_id UUID NOT NULL,
			kind TEXT NOT NULL,
			display_name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			participation TEXT NOT NULL DEFAULT 'active',
			persona_character_id UUID,
			copilot_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			talkativeness DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + tables.Messages + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			conversation_id UUID NOT NULL REFERENCES ` + tables.Conversations + `(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			author_membership_id UUID REFERENCES ` + tables.SpaceMemberships + `(id) ON DELETE SET NULL,
			authored_by_copilot BOOLEAN NOT NULL DEFAULT FALSE,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + tables.Rounds + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			conversation_id UUID NOT NULL REFERENCES ` + tables.Conversations + `(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'active',
			scheduling_state TEXT NOT NULL DEFAULT 'ai_generating',
			current_position INTEGER NOT NULL DEFAULT 0,
			trigger_message_id UUID,
			ended_reason TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS ` + tables.RoundParticipants + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			round_id UUID NOT NULL REFERENCES ` + tables.Rounds + `(id) ON DELETE CASCADE,
			space_membership_id UUID NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			UNIQUE(round_id, position)
		)`,

		`CREATE TABLE IF NOT EXISTS ` + tables.Runs + ` (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			conversation_id UUID NOT NULL REFERENCES ` + tables.Conversations + `(id) ON DELETE CASCADE,
			conversation_round_id UUID REFERENCES ` + tables.Rounds + `(id) ON DELETE CASCADE,
			speaker_space_membership_id UUID NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			run_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancel_requested_at TIMESTAMPTZ,
			error TEXT,
			debug JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,

		// At most one active round per conversation, enforced alongside the
		// lock so direct writes cannot corrupt the invariant either
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + tablePrefix + `rounds_one_active
			ON ` + tables.Rounds + `(conversation_id) WHERE status = 'active'`,

		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `memberships_space
			ON ` + tables.SpaceMemberships + `(space_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `messages_conversation
			ON ` + tables.Messages + `(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `participants_round
			ON ` + tables.RoundParticipants + `(round_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `runs_claimable
			ON ` + tables.Runs + `(status, run_after) WHERE status = 'queued'`,
		`CREATE INDEX IF NOT EXISTS idx_` + tablePrefix + `runs_round
			ON ` + tables.Runs + `(conversation_round_id)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dropAllTables drops all tables in reverse order (to respect foreign keys)
func dropAllTables(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	tableNames := []string{
		tables.Runs,
		tables.RoundParticipants,
		tables.Rounds,
		tables.Messages,
		tables.SpaceMemberships,
		tables.Conversations,
	}

	for _, table := range tableNames {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
			return err
		}
		log.Printf("  dropped %s", table)
	}
	return nil
}

// clearSchedulingData wipes rows but keeps the schema
func clearSchedulingData(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	for _, table := range []string{tables.Runs, tables.RoundParticipants, tables.Rounds, tables.Messages, tables.SpaceMemberships, tables.Conversations} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// seedDemoSpace inserts an idempotent demo space: one human with copilot, two
// characters with different talkativeness, a natural-order conversation and an
// opening message.
func seedDemoSpace(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames) error {
	now := time.Now()

	_, err := pool.Exec(ctx, `
		INSERT INTO `+tables.Conversations+` (id, space_id, reply_order, allow_self_responses, auto_remaining_steps, created_at, updated_at)
		VALUES ($1, $2, 'natural', FALSE, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, demoConversationID, demoSpaceID, now)
	if err != nil {
		return err
	}

	members := []struct {
		id            string
		kind          string
		name          string
		position      int
		personaChar   *string
		copilot       bool
		talkativeness float64
	}{
		{memberAriaID, "human", "Aria", 0, strPtr(ariaPersonaCharacterID), true, 0.5},
		{memberBobID, "character", "Bob", 1, nil, false, 0.8},
		{memberClaraID, "character", "Clara", 2, nil, false, 0.3},
	}

	for _, m := range members {
		_, err := pool.Exec(ctx, `
			INSERT INTO `+tables.SpaceMemberships+` (id, space_id, kind, display_name, position, participation, persona_character_id, copilot_enabled, talkativeness, created_at)
			VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, m.id, demoSpaceID, m.kind, m.name, m.position, m.personaChar, m.copilot, m.talkativeness, now)
		if err != nil {
			return err
		}
		log.Printf("  member %s (%s)", m.name, m.kind)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO `+tables.Messages+` (conversation_id, role, author_membership_id, authored_by_copilot, content, created_at)
		SELECT $1, 'user', $2, FALSE, $3, $4
		WHERE NOT EXISTS (SELECT 1 FROM `+tables.Messages+` WHERE conversation_id = $1)
	`, demoConversationID, memberAriaID, "Hey Bob, what do you think about the plan?", now)
	return err
}

func strPtr(s string) *string { return &s }
