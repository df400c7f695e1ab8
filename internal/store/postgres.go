package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// DefaultMaxAttempts bounds how often a column transaction is replayed after a
// serialization failure or deadlock.
const DefaultMaxAttempts = 3

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ColumnTx is the view of the store handed to a column transaction. Every call runs
// inside the same database transaction while the column locks are held.
type ColumnTx interface {
	GetIssue(ctx context.Context, issueID string) (Issue, error)
	ListColumn(ctx context.Context, columnID string) ([]Issue, error)
	InsertIssue(ctx context.Context, issue Issue) error
	SetIssuePosition(ctx context.Context, issueID, columnID string, position float64) error
	SetColumnPositions(ctx context.Context, columnID string, updates []PositionUpdate) error
}

type PostgresStore struct {
	db          *sql.DB
	q           querier
	maxAttempts int
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db, maxAttempts: DefaultMaxAttempts}
}

// WithMaxAttempts returns a copy of the store that replays column transactions up
// to attempts times.
func (s *PostgresStore) WithMaxAttempts(attempts int) *PostgresStore {
	if attempts < 1 {
		attempts = 1
	}
	clone := *s
	clone.maxAttempts = attempts
	return &clone
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InColumnTx runs fn in a transaction holding an advisory lock on every listed
// column, so reading neighbors, computing a key and writing it happen as one unit.
// Locks are taken in sorted order.
func (s *PostgresStore) InColumnTx(ctx context.Context, columnIDs []string, fn func(ColumnTx) error) error {
	ids := slices.Clone(columnIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.runColumnTx(ctx, ids, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("column transaction failed after %d attempts: %w", s.maxAttempts, err)
}

func (s *PostgresStore) runColumnTx(ctx context.Context, columnIDs []string, fn func(ColumnTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin column tx: %w", err)
	}

	for _, columnID := range columnIDs {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, columnID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("lock column %s: %w", columnID, err)
		}
	}

	if err := fn(&PostgresStore{db: s.db, q: tx, maxAttempts: s.maxAttempts}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit column tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func (s *PostgresStore) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, board_id, name, created_at
		FROM board_columns
		WHERE board_id=$1
		ORDER BY created_at ASC, id ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]Column, 0)
	for rows.Next() {
		var item Column
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	var item Column
	err := s.q.QueryRowContext(ctx, `
		SELECT id, board_id, name, created_at
		FROM board_columns
		WHERE id=$1
	`, columnID).Scan(&item.ID, &item.BoardID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Column{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertColumn(ctx context.Context, column Column) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO board_columns (id, board_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, column.ID, column.BoardID, column.Name)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var item Issue
	err := s.q.QueryRowContext(ctx, `
		SELECT id, column_id, title, position, created_at, updated_at
		FROM issues
		WHERE id=$1
	`, issueID).Scan(&item.ID, &item.ColumnID, &item.Title, &item.Position, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	return item, nil
}

// ListColumn returns the issues of a column in display order.
func (s *PostgresStore) ListColumn(ctx context.Context, columnID string) ([]Issue, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, column_id, title, position, created_at, updated_at
		FROM issues
		WHERE column_id=$1
		ORDER BY position ASC, id ASC
	`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list column issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		var item Issue
		if err := rows.Scan(&item.ID, &item.ColumnID, &item.Title, &item.Position, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO issues (id, column_id, title, position)
		VALUES ($1, $2, $3, $4)
	`, issue.ID, issue.ColumnID, issue.Title, issue.Position)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// SetIssuePosition writes the column and key of one issue in a single statement.
func (s *PostgresStore) SetIssuePosition(ctx context.Context, issueID, columnID string, position float64) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE issues
		SET column_id=$2, position=$3, updated_at=NOW()
		WHERE id=$1
	`, issueID, columnID, position)
	if err != nil {
		return fmt.Errorf("set issue position: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set issue position rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetColumnPositions rewrites the keys of a column. It must run inside InColumnTx
// for the rewrite to be atomic.
func (s *PostgresStore) SetColumnPositions(ctx context.Context, columnID string, updates []PositionUpdate) error {
	for _, update := range updates {
		result, err := s.q.ExecContext(ctx, `
			UPDATE issues
			SET position=$3, updated_at=NOW()
			WHERE id=$1 AND column_id=$2
		`, update.IssueID, columnID, update.Position)
		if err != nil {
			return fmt.Errorf("rebalance issue %s: %w", update.IssueID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rebalance issue %s rows: %w", update.IssueID, err)
		}
		if affected == 0 {
			return fmt.Errorf("rebalance issue %s: %w", update.IssueID, sql.ErrNoRows)
		}
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
