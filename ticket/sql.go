package ticket

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embedMigrations embed.FS

// Dialect selects the SQL engine behind SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", d)
	}
}

func (d Dialect) gooseDialect() database.Dialect {
	if d == DialectPostgres {
		return database.DialectPostgres
	}
	return database.DialectSQLite3
}

// SQLStore keeps session tickets in a relational table. Each row carries a
// concurrency token that renewals compare and bump.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	codec   *Codec
	clock   func() time.Time
	sweep   *sweeper
}

// OpenSQLStore opens the database, applies migrations and returns the store.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, p Protector, opts Options) (*SQLStore, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(ctx, db, dialect, p, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and applies pending migrations.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, p Protector, opts Options) (*SQLStore, error) {
	if _, err := dialect.driverName(); err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, dialect); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		codec:   NewCodec(p),
		clock:   opts.Clock,
	}
	s.sweep = newSweeper(opts, string(dialect), s.purge)
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(dialect.gooseDialect(), db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close waits for an in-flight sweep and closes the database.
func (s *SQLStore) Close() error {
	s.sweep.close()
	return s.db.Close()
}

func (s *SQLStore) Store(ctx context.Context, t *Ticket) (string, error) {
	s.sweep.trigger()
	payload, err := s.codec.Encode(t)
	if err != nil {
		return "", err
	}
	key := newKey()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO smartbff_sessions (id, name, type, registration_id, payload, created_on, expires_on, concurrency_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`),
		key, t.Subject(), t.Scheme, t.RegistrationID(), payload, s.clock().UnixMilli(), expiresColumn(t.Properties.ExpiresAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert ticket: %w", err)
	}
	t.Version = 1
	return key, nil
}

func (s *SQLStore) Renew(ctx context.Context, key string, t *Ticket) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	payload, err := s.codec.Encode(t)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE smartbff_sessions
		 SET name = ?, registration_id = ?, payload = ?, expires_on = ?, concurrency_token = ?
		 WHERE id = ? AND concurrency_token = ?`),
		t.Subject(), t.RegistrationID(), payload, expiresColumn(t.Properties.ExpiresAt), t.Version+1, key, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if n > 0 {
		t.Version++
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM smartbff_sessions WHERE id = ?`), key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ticket version: %w", err)
	}
	return ErrConcurrentUpdate
}

func (s *SQLStore) Retrieve(ctx context.Context, key string) (*Ticket, error) {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var payload []byte
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload, concurrency_token FROM smartbff_sessions WHERE id = ?`), key).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select ticket: %w", err)
	}
	t, err := s.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	t.Version = version
	return t, nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM smartbff_sessions WHERE id = ?`), key); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM smartbff_sessions WHERE expires_on IS NOT NULL AND expires_on < ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired tickets: %w", err)
	}
	return res.RowsAffected()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func expiresColumn(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
