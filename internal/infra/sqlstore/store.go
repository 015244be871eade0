// Package sqlstore is the relational TaskStore: pure-Go SQLite for single
// hosts and tests, PostgreSQL (pgx) for shared deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver "pgx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver "sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	maxUpdateAttempts = 16
)

var _ ports.TaskStore = (*Store)(nil)

type Store struct {
	db     *sql.DB
	driver string
	Now    func() time.Time
}

// Open connects and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, Now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, s.db, sub)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// q rewrites ? placeholders to $n for postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Create(ctx context.Context, rec domain.TaskRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OwnerID == "" {
		return "", errors.New("create task: empty owner")
	}
	now := s.Now()
	rec.Status = domain.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (id, owner_id, status, heartbeat_ms, created_ms, version, record)
		VALUES (?, ?, ?, NULL, ?, ?, ?)`),
		rec.ID, rec.OwnerID, string(rec.Status), now.UnixMilli(), rec.Version, string(b))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return rec.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT record FROM tasks WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Update is optimistic: the write only lands if version is unchanged since
// the read, otherwise fn is re-applied to the fresh row.
func (s *Store) Update(ctx context.Context, id string, fn func(*domain.TaskRecord) error) (*domain.TaskRecord, error) {
	for i := 0; i < maxUpdateAttempts; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := domain.Mutate(*cur, fn, s.Now())
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}

		var heartbeat sql.NullInt64
		if next.Status == domain.StatusInProgress && next.HeartbeatAt != nil {
			heartbeat = sql.NullInt64{Int64: next.HeartbeatAt.UnixMilli(), Valid: true}
		}
		res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, heartbeat_ms = ?, version = ?, record = ?
			WHERE id = ? AND version = ?`),
			string(next.Status), heartbeat, next.Version, string(b), id, cur.Version)
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return &next, nil
		}
	}
	return nil, fmt.Errorf("update task %s: too much contention", id)
}

func (s *Store) ListActive(ctx context.Context, ownerID string) ([]domain.TaskRecord, error) {
	return s.list(ctx, `SELECT record FROM tasks WHERE owner_id = ? AND status IN (?, ?) ORDER BY created_ms`,
		ownerID, string(domain.StatusPending), string(domain.StatusInProgress))
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]domain.TaskRecord, error) {
	return s.list(ctx, `SELECT record FROM tasks WHERE status = ? AND heartbeat_ms < ? ORDER BY created_ms`,
		string(domain.StatusInProgress), cutoff.UnixMilli())
}

func (s *Store) RequestCancel(ctx context.Context, id, ownerID string) (*domain.TaskRecord, bool, error) {
	return domain.RequestCancel(ctx, s, id, ownerID)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func decode(raw string) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &rec, nil
}
