package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultBatchSize is the number of rows written per transaction by the
// chunked upserts.
const DefaultBatchSize = 75000

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(s) {
	case DialectSQLite:
		return DialectSQLite, nil
	case DialectPostgres, "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unknown database driver %q", s)
}

type Store struct {
	db        *sqlx.DB
	dialect   Dialect
	loc       *time.Location
	batchSize int
	logger    *slog.Logger
}

// Open connects to the database for the given driver and verifies the
// connection.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var db *sqlx.DB
	switch d {
	case DialectSQLite:
		db, err = openSQLite(dsn)
	case DialectPostgres:
		db, err = openPostgres(dsn)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return db, nil
}

// New wraps an open connection. loc is the timezone used to interpret local
// calendar dates; stored timestamps are always UTC.
func New(db *sqlx.DB, loc *time.Location) *Store {
	d := DialectSQLite
	if db.DriverName() == "postgres" {
		d = DialectPostgres
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, dialect: d, loc: loc, batchSize: DefaultBatchSize, logger: slog.Default()}
}

// SetBatchSize sets the rows per transaction for chunked writes.
func (s *Store) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) rebind(q string) string {
	return s.db.Rebind(q)
}

// WithTx runs fn in a transaction, committing when fn returns nil. Errors
// are classified so callers can test for ErrDuplicateKey and ErrTransient.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Tx is a transaction handle exposing the operations that must run
// atomically.
type Tx struct {
	tx *sqlx.Tx
	s  *Store
}

// chunk splits n items into [start, end) ranges of at most size items.
func chunk(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
