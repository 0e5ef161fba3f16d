// Package catalog is the relational side of BioOF: projects, experiments,
// the append-only schema evolution registry and per-gene metadata rows used
// for grouped statistics.
//
// Two dialects are supported through database/sql: SQLite (modernc, pure Go,
// the default for local runs and tests) and PostgreSQL (pgx stdlib driver).
// The DDL is applied on Open, so a fresh database is usable immediately.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const (
	defaultSQLitePath  = "data/catalog.db"
	defaultPostgresDSN = "postgres://localhost/bioof?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the database/sql opener and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Options configures Open.
type Options struct {
	Driver Driver
	DSN    string // file path for sqlite, connection URL for postgres
	Logger *slog.Logger
}

// Catalog is safe for concurrent use.
type Catalog struct {
	db      *sql.DB
	driver  Driver
	logger  *slog.Logger
	nowFunc func() time.Time
}

// ParseDriver accepts the configured driver name.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unknown catalog driver %q", s)
}

// Open connects, pings and applies the catalog DDL.
func Open(ctx context.Context, opts Options) (*Catalog, error) {
	const op = "catalog.Open"
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var driverName, dsn string
	switch opts.Driver {
	case DriverPostgres:
		driverName, dsn = "pgx", opts.DSN
		if dsn == "" {
			dsn = defaultPostgresDSN
		}
	case DriverSQLite, "":
		opts.Driver = DriverSQLite
		driverName, dsn = "sqlite", opts.DSN
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
				return nil, apperror.Wrap(op, fmt.Errorf("create dirs: %w", err))
			}
		}
	default:
		return nil, apperror.New(op, apperror.KindInvalidArgument, string(opts.Driver), "unsupported driver")
	}

	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, apperror.Wrap(op, fmt.Errorf("open %s: %w", opts.Driver, err))
	}
	if opts.Driver == DriverSQLite {
		// one connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(op, fmt.Errorf("ping %s: %w", opts.Driver, err))
	}

	c := &Catalog{db: db, driver: opts.Driver, logger: logger, nowFunc: time.Now}
	if err := c.applyDDL(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("catalog opened", "driver", string(opts.Driver))
	return c, nil
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// DB exposes the underlying pool for tests and tooling.
func (c *Catalog) DB() *sql.DB { return c.db }

// Driver reports the active dialect.
func (c *Catalog) Driver() Driver { return c.driver }

// Ping checks connectivity.
func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return unavailable("catalog.Ping", err)
	}
	return nil
}

func (c *Catalog) applyDDL(ctx context.Context) error {
	stmts := sqliteDDL
	if c.driver == DriverPostgres {
		stmts = postgresDDL
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return apperror.Wrap("catalog.applyDDL", fmt.Errorf("execute ddl: %w", err))
		}
	}
	return nil
}

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_project ON experiments(project_id)`,
	`CREATE TABLE IF NOT EXISTS schema_evolution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attribute_name TEXT NOT NULL UNIQUE,
		data_type TEXT NOT NULL,
		default_value TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schema_evolution_log_name ON schema_evolution_log (lower(attribute_name))`,
	`CREATE TABLE IF NOT EXISTS gene_metadata (
		gene_id TEXT PRIMARY KEY,
		gene_symbol TEXT NOT NULL,
		experiment_id INTEGER NOT NULL,
		chromosome TEXT NOT NULL,
		sequence_length INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gene_metadata_chromosome ON gene_metadata(chromosome)`,
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS experiments (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_project ON experiments(project_id)`,
	`CREATE TABLE IF NOT EXISTS schema_evolution_log (
		id BIGSERIAL PRIMARY KEY,
		attribute_name TEXT NOT NULL UNIQUE,
		data_type TEXT NOT NULL,
		default_value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_schema_evolution_log_name ON schema_evolution_log (lower(attribute_name))`,
	`CREATE TABLE IF NOT EXISTS gene_metadata (
		gene_id TEXT PRIMARY KEY,
		gene_symbol TEXT NOT NULL,
		experiment_id BIGINT NOT NULL,
		chromosome TEXT NOT NULL,
		sequence_length INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gene_metadata_chromosome ON gene_metadata(chromosome)`,
}

// rebind rewrites ? placeholders to $n for postgres.
func (c *Catalog) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqliteTimeLayout is fixed width so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeArg renders t for the active dialect's created_at column.
func (c *Catalog) timeArg(t time.Time) any {
	if c.driver == DriverPostgres {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// scanTime accepts both native timestamps and the sqlite text encoding.
type scanTime struct{ t time.Time }

func (s *scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.t = time.Time{}
	case time.Time:
		s.t = v
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
	return nil
}

func (s *scanTime) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			s.t = t
			return nil
		}
	}
	return fmt.Errorf("scan time: cannot parse %q", v)
}

// wrap classifies driver errors. Context errors become Timeout, broken
// connections Unavailable, the rest Internal.
func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}
	return apperror.Wrap(op, err)
}

func unavailable(op string, err error) error {
	if k := apperror.KindOf(err); k == apperror.KindTimeout {
		return apperror.Wrap(op, err)
	}
	return &apperror.Error{Op: op, Kind: apperror.KindUnavailable, Err: err}
}
