package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreImpl implements store.StateStore using PostgreSQL.
type StoreImpl struct {
	db    *pgxpool.Pool
	table string
}

var _ store.StateStore = (*StoreImpl)(nil)

// NewPrimaryStore creates a new PostgreSQL state store and makes sure its schema exists.
func NewPrimaryStore(ctx context.Context, dsn, table string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	if table == "" {
		table = "work_items"
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &StoreImpl{db: dbpool, table: pgx.Identifier{table}.Sanitize()}
	if err := s.EnsureSchema(ctx); err != nil {
		dbpool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the state table and its query indexes if missing.
func (s *StoreImpl) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			run_id        TEXT NOT NULL,
			item_key      TEXT NOT NULL,
			status        TEXT NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			priority      INTEGER NOT NULL DEFAULT 0,
			is_cover      BOOLEAN NOT NULL DEFAULT FALSE,
			shard_id      TEXT NOT NULL,
			stage_outputs JSONB NOT NULL DEFAULT '{}'::jsonb,
			error_message TEXT,
			details       JSONB,
			dispatched_at TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			last_updated  TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, item_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + indexName(s.table, "shard_status") + ` ON ` + s.table + ` (shard_id, status, priority)`,
		`CREATE INDEX IF NOT EXISTS ` + indexName(s.table, "run_status") + ` ON ` + s.table + ` (run_id, status, priority)`,
		`CREATE INDEX IF NOT EXISTS ` + indexName(s.table, "completed_at") + ` ON ` + s.table + ` (completed_at) WHERE status = 'COMPLETED'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", mapError(err))
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *StoreImpl) Close() error {
	s.db.Close()
	return nil
}

// --- Helper Functions ---

func indexName(table, suffix string) string {
	return pgx.Identifier{unquote(table) + "_" + suffix + "_idx"}.Sanitize()
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}

// throttleCodes are the SQLSTATE codes treated as load shedding.
var throttleCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57P03": true, // cannot_connect_now
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && throttleCodes[pgErr.Code] {
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrThrottled)
	}
	return err
}

const itemColumns = `run_id, item_key, status, attempts, priority, is_cover, shard_id, stage_outputs, error_message, dispatched_at, completed_at, last_updated, created_at`

// scanItem scans a single row selected with itemColumns into a models.WorkItem.
func scanItem(row pgx.Row) (*models.WorkItem, error) {
	var (
		item    models.WorkItem
		status  string
		outputs []byte
	)
	err := row.Scan(
		&item.RunID,
		&item.ItemKey,
		&status,
		&item.Attempts,
		&item.Priority,
		&item.IsCover,
		&item.ShardID,
		&outputs,
		&item.ErrorMessage,
		&item.DispatchedAt,
		&item.CompletedAt,
		&item.LastUpdated,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = models.ItemStatus(status)
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &item.StageOutputs); err != nil {
			return nil, fmt.Errorf("decode stage outputs of %s: %w", item.ItemKey, err)
		}
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*models.WorkItem, error) {
	defer rows.Close()
	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

func statusStrings(statuses []models.ItemStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
