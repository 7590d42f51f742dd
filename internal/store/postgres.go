package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"studentvc/pkg/platform/sentinel"
)

// migrationsTable keeps our schema version apart from other applications
// sharing the database.
const migrationsTable = "studentvc_schema_migrations"

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

const recordColumns = `subject_id, token, status, issued_at, status_updated_at, version`

// Postgres persists records in PostgreSQL. Each operation is one statement, so
// the row lock taken by INSERT ... ON CONFLICT or UPDATE serializes writers to
// the same subject.
type Postgres struct {
	db    *sql.DB
	clock Clock
}

type PostgresOption func(*Postgres)

func WithPostgresClock(clock Clock) PostgresOption {
	return func(p *Postgres) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Migrate applies pending schema migrations. Replicas starting together are
// serialized by the migration advisory lock.
func (p *Postgres) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	driver, err := pgmigrate.WithConnection(ctx, conn, &pgmigrate.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("creating migration: %w", err)
	}
	// closes the source and returns conn to the pool; the pool stays open
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate credentials schema: %w", err)
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO credentials (subject_id, token, status, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			token = EXCLUDED.token,
			status = EXCLUDED.status,
			issued_at = EXCLUDED.issued_at,
			status_updated_at = NULL,
			version = credentials.version + 1
		RETURNING ` + recordColumns
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, subjectID, token, string(status), p.clock().UTC()))
	if err != nil {
		return nil, fmt.Errorf("put credential: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Insert(ctx context.Context, subjectID, token string, status Status) (*Record, error) {
	if err := validate(subjectID, status); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO credentials (subject_id, token, status, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO NOTHING
		RETURNING ` + recordColumns
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, subjectID, token, string(status), p.clock().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return rec, nil
}

func (p *Postgres) Get(ctx context.Context, subjectID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM credentials WHERE subject_id = $1`
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM credentials ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func (p *Postgres) SetStatus(ctx context.Context, subjectID string, status Status) (bool, error) {
	if err := validate(subjectID, status); err != nil {
		return false, err
	}
	query := `
		UPDATE credentials
		SET status = $2, status_updated_at = $3, version = version + 1
		WHERE subject_id = $1
	`
	res, err := p.db.ExecContext(ctx, query, subjectID, string(status), p.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("set credential status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set credential status: %w", err)
	}
	return n > 0, nil
}

// SetStatusMany updates all subjects in one round trip.
func (p *Postgres) SetStatusMany(ctx context.Context, subjectIDs []string, status Status) ([]string, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	query := `
		UPDATE credentials
		SET status = $2, status_updated_at = $3, version = version + 1
		WHERE subject_id = ANY($1::text[])
		RETURNING subject_id
	`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(subjectIDs), string(status), p.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("set credential status batch: %w", err)
	}
	defer rows.Close()

	updated := make([]string, 0, len(subjectIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan updated subject: %w", err)
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		status  string
		updated sql.NullTime
	)
	if err := row.Scan(&rec.SubjectID, &rec.Token, &status, &rec.IssuedAt, &updated, &rec.Version); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.IssuedAt = rec.IssuedAt.UTC()
	if updated.Valid {
		t := updated.Time.UTC()
		rec.StatusUpdatedAt = &t
	}
	return &rec, nil
}
