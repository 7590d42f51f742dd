package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"studentvc/pkg/platform/sentinel"
)

// SQLite persists records in a single database file. The pool holds one
// connection, so writes are serialized in process and each write plus its
// read back runs in one transaction.
type SQLite struct {
	db    *sqlx.DB
	clock Clock
}

type SQLiteOption func(*SQLite)

func WithSQLiteClock(clock Clock) SQLiteOption {
	return func(s *SQLite) {
		if clock != nil {
			s.clock = clock
		}
	}
}

type sqliteRecord struct {
	SubjectID       string     `db:"subject_id"`
	Token           string     `db:"token"`
	Status          string     `db:"status"`
	IssuedAt        time.Time  `db:"issued_at"`
	StatusUpdatedAt *time.Time `db:"status_updated_at"`
	Version         int64      `db:"version"`
}

func (r *sqliteRecord) record() *Record {
	rec := &Record{
		SubjectID: r.SubjectID,
		Token:     r.Token,
		Status:    Status(r.Status),
		IssuedAt:  r.IssuedAt.UTC(),
		Version:   r.Version,
	}
	if r.StatusUpdatedAt != nil {
		t := r.StatusUpdatedAt.UTC()
		rec.StatusUpdatedAt = &t
	}
	return rec
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	src, err := iofs.New(migrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("creating driver: %w", err)
	}
	// no m.Close: the sqlite3 driver would close s.db with it
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate credentials schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) now() time.Time {
	return s.clock().UTC()
}

// write runs fn and reads subjectID back in the same transaction.
func (s *SQLite) write(ctx context.Context, subjectID string, fn func(tx *sqlx.Tx) error) (*Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return nil, err
	}
	var row sqliteRecord
	if err := tx.GetContext(ctx, &row, `select * from credentials where subject_id = ?`, subjectID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (s *SQLite) Put(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	rec, err := s.write(ctx, subjectID, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into credentials (subject_id, token, status, issued_at)
			values (?, ?, ?, ?)
			on conflict (subject_id) do update set
				token = excluded.token,
				status = excluded.status,
				issued_at = excluded.issued_at,
				status_updated_at = null,
				version = credentials.version + 1`,
			subjectID, token, string(status), s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put credential: %w", err)
	}
	return rec, nil
}

func (s *SQLite) Insert(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	rec, err := s.write(ctx, subjectID, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			insert into credentials (subject_id, token, status, issued_at)
			values (?, ?, ?, ?)
			on conflict (subject_id) do nothing`,
			subjectID, token, string(status), s.now())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return sentinel.ErrConflict
		}
		return nil
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return rec, nil
}

func (s *SQLite) Get(ctx context.Context, subjectID string) (*Record, error) {
	var row sqliteRecord
	err := s.db.GetContext(ctx, &row, `select * from credentials where subject_id = ?`, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return row.record(), nil
}

func (s *SQLite) List(ctx context.Context) ([]*Record, error) {
	var rows []sqliteRecord
	if err := s.db.SelectContext(ctx, &rows, `select * from credentials order by subject_id`); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (s *SQLite) SetStatus(ctx context.Context, subjectID string, status Status) (bool, error) {
	if err := validate(subjectID, status); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set status = ?, status_updated_at = ?, version = version + 1
		where subject_id = ?`,
		string(status), s.now(), subjectID)
	if err != nil {
		return false, fmt.Errorf("set credential status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set credential status: %w", err)
	}
	return n > 0, nil
}

// SetStatusMany updates all subjects in one transaction.
func (s *SQLite) SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := sqlx.In(`select subject_id from credentials where subject_id in (?) order by subject_id`, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	var found []string
	if err := tx.SelectContext(ctx, &found, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	if len(found) == 0 {
		return []string{}, nil
	}

	query, args, err = sqlx.In(`
		update credentials
		set status = ?, status_updated_at = ?, version = version + 1
		where subject_id in (?)`,
		string(status), s.now(), found)
	if err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	return found, nil
}
