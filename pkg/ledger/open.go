package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a ledger backend.
type Options struct {
	Backend string
	// Dir holds the file logs, or the SQLite database when DSN is empty.
	Dir string
	// DSN is the SQLite path or Postgres URL.
	DSN string
}

// Open returns the ledger for opts.Backend. An empty backend means "file".
func Open(ctx context.Context, opts Options) (Ledger, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryLedger(), nil
	case "", BackendFile:
		return NewFileLedger(opts.Dir)
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			if opts.Dir == "" {
				return nil, fmt.Errorf("ledger: sqlite needs a DSN or a data directory")
			}
			if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
				return nil, err
			}
			dsn = filepath.Join(opts.Dir, "ledger.db")
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("ledger: open sqlite: %w", err)
		}
		// SQLite serializes writers; one connection keeps ":memory:" databases shared too.
		db.SetMaxOpenConns(1)
		return initSQL(ctx, db, DialectSQLite)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("ledger: postgres needs a DSN")
		}
		db, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("ledger: open postgres: %w", err)
		}
		return initSQL(ctx, db, DialectPostgres)
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", opts.Backend)
	}
}

func initSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLedger, error) {
	l := NewSQLLedger(db, dialect)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}
