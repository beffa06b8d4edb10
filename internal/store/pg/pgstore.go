package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gatehouse.dev/internal/audit"
)

const (
	pgErrUniqueViolation = "23505"
)

// Store implements the identity core's persistence collaborators over
// Postgres: refresh tokens, the user directory, audit append and the
// audited unit of work.
type Store struct {
	db      *sql.DB
	capture *audit.Capture
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string, capture *audit.Capture) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if capture == nil {
		capture = audit.NewCapture()
	}
	return &Store{db: db, capture: capture}, nil
}

// NewStore wraps an existing connection (used by tests via sqlmock).
func NewStore(db *sql.DB, capture *audit.Capture) *Store {
	if capture == nil {
		capture = audit.NewCapture()
	}
	return &Store{db: db, capture: capture}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
