package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"commitnews/api/internal/feed"
	"commitnews/api/internal/sha"
)

const repositoryColumns = `id, name, url, latest_commit, viewed_commits, synced_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	items := make([]Repository, 0)
	for rows.Next() {
		item, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}
	return items, nil
}

// GetRepository returns sql.ErrNoRows when id is not tracked.
func (s *PostgresStore) GetRepository(ctx context.Context, id uuid.UUID) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=$1`, id)
	item, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, err
		}
		return Repository{}, fmt.Errorf("get repository: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertRepository(ctx context.Context, name, url string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO repositories (name, url)
		VALUES ($1, $2)
		RETURNING `+repositoryColumns, name, url)
	item, err := scanRepository(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Repository{}, fmt.Errorf("insert repository %s: %w", url, ErrDuplicateRepository)
		}
		return Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	return item, nil
}

// DeleteRepository removes the repository together with its read-state.
func (s *PostgresStore) DeleteRepository(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return requireRow(res)
}

// UpdateReadState overwrites the persisted read-state unconditionally. It is
// the plain update operation of the read-state store; the feed and the
// mark/unmark paths go through ModifyReadState instead.
func (s *PostgresStore) UpdateReadState(ctx context.Context, id uuid.UUID, state feed.ReadState) error {
	latest, viewed, err := encodeReadState(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories
		SET latest_commit=$2, viewed_commits=$3::jsonb, updated_at=NOW()
		WHERE id=$1
	`, id, latest, viewed)
	if err != nil {
		return fmt.Errorf("update read state: %w", err)
	}
	return requireRow(res)
}

// ModifyReadState runs fn against the persisted read-state while holding the
// row lock, and stores its result when it differs.
func (s *PostgresStore) ModifyReadState(ctx context.Context, id uuid.UUID, fn func(feed.ReadState) (feed.ReadState, error)) (Repository, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Repository{}, fmt.Errorf("begin read state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=$1 FOR UPDATE`, id)
	item, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Repository{}, err
		}
		return Repository{}, fmt.Errorf("lock repository: %w", err)
	}

	next, err := fn(item.State)
	if err != nil {
		return Repository{}, err
	}
	if !next.Equal(item.State) {
		latest, viewed, err := encodeReadState(next)
		if err != nil {
			return Repository{}, err
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE repositories
			SET latest_commit=$2, viewed_commits=$3::jsonb, updated_at=NOW()
			WHERE id=$1
			RETURNING updated_at
		`, id, latest, viewed).Scan(&item.UpdatedAt); err != nil {
			return Repository{}, fmt.Errorf("update read state: %w", err)
		}
		item.State = next
	}

	if err := tx.Commit(); err != nil {
		return Repository{}, fmt.Errorf("commit read state: %w", err)
	}
	return item, nil
}

// MarkSynced records the time of the last completed feed pass.
func (s *PostgresStore) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET synced_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var (
		item   Repository
		latest sql.NullString
		viewed []byte
		synced sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.Name, &item.URL, &latest, &viewed, &synced, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Repository{}, err
	}
	state, err := decodeReadState(latest, viewed)
	if err != nil {
		return Repository{}, fmt.Errorf("decode read state of %s: %w", item.ID, err)
	}
	item.State = state
	if synced.Valid {
		at := synced.Time
		item.SyncedAt = &at
	}
	return item, nil
}

func decodeReadState(latest sql.NullString, viewed []byte) (feed.ReadState, error) {
	state := feed.NewReadState()
	if latest.Valid {
		id, err := sha.Parse(latest.String)
		if err != nil {
			return feed.ReadState{}, err
		}
		state.Watermark = id
	}
	if len(viewed) > 0 {
		if err := json.Unmarshal(viewed, &state.Exceptions); err != nil {
			return feed.ReadState{}, fmt.Errorf("viewed_commits: %w", err)
		}
	}
	return state, nil
}

func encodeReadState(state feed.ReadState) (any, string, error) {
	var latest any
	if !state.Watermark.IsZero() {
		latest = state.Watermark.String()
	}
	viewed, err := json.Marshal(state.Exceptions)
	if err != nil {
		return nil, "", fmt.Errorf("encode viewed_commits: %w", err)
	}
	return latest, string(viewed), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
