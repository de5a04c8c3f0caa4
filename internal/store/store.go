package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS agent_sessions (
            id          TEXT PRIMARY KEY,
            status      TEXT NOT NULL,
            operator    TEXT NOT NULL,
            instruction TEXT NOT NULL DEFAULT '',
            iteration   INTEGER NOT NULL DEFAULT 0,
            created_at  TIMESTAMPTZ NOT NULL,
            updated_at  TIMESTAMPTZ NOT NULL
        );
        CREATE TABLE IF NOT EXISTS agent_transcript_entries (
            session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
            seq        INTEGER NOT NULL,
            entry_id   TEXT NOT NULL,
            origin     TEXT NOT NULL,
            iteration  INTEGER NOT NULL,
            entry      JSONB NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (session_id, seq)
        );
    `

	sqlUpsertSession = `
        INSERT INTO agent_sessions (id, status, operator, instruction, iteration, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            operator = EXCLUDED.operator,
            instruction = EXCLUDED.instruction,
            iteration = EXCLUDED.iteration,
            updated_at = EXCLUDED.updated_at;
    `

	sqlDeleteEntries = `DELETE FROM agent_transcript_entries WHERE session_id = $1;`

	sqlSelectSession = `
        SELECT status, operator, instruction, iteration, created_at, updated_at
        FROM agent_sessions
        WHERE id = $1;
    `

	sqlSelectEntries = `
        SELECT entry
        FROM agent_transcript_entries
        WHERE session_id = $1
        ORDER BY seq ASC;
    `
)

var entryColumns = []string{"session_id", "seq", "entry_id", "origin", "iteration", "entry", "created_at"}

// Store persists session transcripts in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the transcript tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to apply transcript schema: %w", err)
	}
	return nil
}

// Save replaces the stored transcript of snap.ID with snap.
func (s *Store) Save(ctx context.Context, snap schemas.SessionSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	createdAt := snap.CreatedAt.UTC()
	updatedAt := snap.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, sqlUpsertSession,
		snap.ID, string(snap.Status), snap.OperatorKind, snap.Instruction, snap.Iteration, createdAt, updatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", snap.ID, err)
	}

	if _, err := tx.Exec(ctx, sqlDeleteEntries, snap.ID); err != nil {
		return fmt.Errorf("failed to clear transcript of session %s: %w", snap.ID, err)
	}

	if len(snap.History) > 0 {
		if err := s.copyEntries(ctx, tx, snap.ID, snap.History); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyEntries(ctx context.Context, tx pgx.Tx, sessionID string, history []schemas.ConversationEntry) error {
	rows := make([][]interface{}, len(history))
	for i, e := range history {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
		}
		rows[i] = []interface{}{sessionID, i, e.ID, string(e.Origin), e.Iteration, raw, e.CreatedAt.UTC()}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"agent_transcript_entries"}, entryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy transcript entries: %w", err)
	}
	if int(n) != len(history) {
		return fmt.Errorf("mismatch in copied entries count: expected %d, got %d", len(history), n)
	}
	return nil
}

// Load returns the stored transcript of sessionID, or nil when there is none.
func (s *Store) Load(ctx context.Context, sessionID string) (*schemas.SessionSnapshot, error) {
	snap := schemas.SessionSnapshot{ID: sessionID}
	var status string
	err := s.pool.QueryRow(ctx, sqlSelectSession, sessionID).Scan(
		&status, &snap.OperatorKind, &snap.Instruction, &snap.Iteration, &snap.CreatedAt, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	snap.Status = schemas.Status(status)

	rows, err := s.pool.Query(ctx, sqlSelectEntries, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		var e schemas.ConversationEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode transcript entry: %w", err)
		}
		snap.History = append(snap.History, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	s.log.Debug("Transcript loaded.", zap.String("session_id", sessionID), zap.Int("entries", len(snap.History)))
	return &snap, nil
}
