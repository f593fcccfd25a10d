package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed all:migrations/sqlite
var sqliteMigrations embed.FS

//go:embed all:migrations/postgres
var postgresMigrations embed.FS

// sessionRow is the bun-mapped table row. SessionRecord itself stays a plain
// struct so the memory and SQL backends share one type; the row adds only
// what bun needs to see.
type sessionRow struct {
	bun.BaseModel `bun:"table:ssap_sessions"`

	SessionID     string    `bun:"session_id,pk"`
	ThreadID      string    `bun:"thread_id,notnull"`
	PrincipalID   string    `bun:"principal_id,notnull"`
	SandboxID     string    `bun:"sandbox_id,notnull"`
	DataplaneURL  string    `bun:"dataplane_url,notnull"`
	CapsJSON      string    `bun:"capabilities_json,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	LastRefreshAt time.Time `bun:"last_refresh_at,notnull"`
	ExpiresAt     time.Time `bun:"expires_at,notnull"`
}

func toRow(r *SessionRecord) (*sessionRow, error) {
	caps, err := json.Marshal(r.Capabilities)
	if err != nil {
		return nil, err
	}
	return &sessionRow{
		SessionID:     r.SessionID,
		ThreadID:      r.ThreadID,
		PrincipalID:   r.PrincipalID,
		SandboxID:     r.SandboxID,
		DataplaneURL:  r.DataplaneURL,
		CapsJSON:      string(caps),
		CreatedAt:     r.CreatedAt,
		LastRefreshAt: r.LastRefreshAt,
		ExpiresAt:     r.ExpiresAt,
	}, nil
}

func fromRow(row *sessionRow) (*SessionRecord, error) {
	var caps []string
	if row.CapsJSON != "" {
		if err := json.Unmarshal([]byte(row.CapsJSON), &caps); err != nil {
			return nil, err
		}
	}
	return &SessionRecord{
		SessionID:     row.SessionID,
		ThreadID:      row.ThreadID,
		PrincipalID:   row.PrincipalID,
		SandboxID:     row.SandboxID,
		DataplaneURL:  row.DataplaneURL,
		Capabilities:  caps,
		CreatedAt:     row.CreatedAt,
		LastRefreshAt: row.LastRefreshAt,
		ExpiresAt:     row.ExpiresAt,
	}, nil
}

// SQL is the shared-cache Store backend: bun over either SQLite (single
// replica) or Postgres (multi-replica). Reads filter on expires_at so an
// expired row behaves as absent without waiting for the sweep.
type SQL struct {
	db     *bun.DB
	dbType string
}

// OpenSQL opens dbType ("sqlite" or "postgres") at dsn, runs pending
// migrations, and returns a ready Store.
func OpenSQL(dbType, dsn string) (*SQL, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("store: unsupported database type %q", dbType)
	}

	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		// Shared cache so the migration connection (opened separately by
		// golang-migrate) sees the same in-memory database.
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: enable WAL: %w", err)
		}
		// Keep one idle connection so an in-memory database survives
		// between queries instead of being destroyed when the pool drains.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &SQL{db: bunDB, dbType: dbType}, nil
}

func runMigrations(dbType, dsn string) error {
	m, err := newMigrator(dbType, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func newMigrator(dbType, dsn string) (*migrate.Migrate, error) {
	var migrationFS fs.FS
	var err error

	switch dbType {
	case "sqlite":
		migrationFS, err = fs.Sub(sqliteMigrations, "migrations/sqlite")
	case "postgres":
		migrationFS, err = fs.Sub(postgresMigrations, "migrations/postgres")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, fmt.Errorf("sub filesystem: %w", err)
	}

	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var driver database.Driver
	switch dbType {
	case "sqlite":
		conn, openErr := sql.Open("sqlite", dsn)
		if openErr != nil {
			return nil, openErr
		}
		driver, err = migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	case "postgres":
		conn, openErr := sql.Open("postgres", dsn)
		if openErr != nil {
			return nil, openErr
		}
		driver, err = migratepostgres.WithInstance(conn, &migratepostgres.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	return migrate.NewWithInstance("iofs", source, dbType, driver)
}

func (s *SQL) BindingForThread(ctx context.Context, principalID, threadID string) (string, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().
		Model(row).
		Where("thread_id = ?", threadID).
		Where("principal_id = ?", principalID).
		Where("expires_at > ?", time.Now()).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return row.SessionID, nil
}

func (s *SQL) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().
		Model(row).
		Where("session_id = ?", sessionID).
		Where("expires_at > ?", time.Now()).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

func (s *SQL) Put(ctx context.Context, record *SessionRecord) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (session_id) DO UPDATE").
		Set("thread_id = EXCLUDED.thread_id").
		Set("principal_id = EXCLUDED.principal_id").
		Set("sandbox_id = EXCLUDED.sandbox_id").
		Set("dataplane_url = EXCLUDED.dataplane_url").
		Set("capabilities_json = EXCLUDED.capabilities_json").
		Set("last_refresh_at = EXCLUDED.last_refresh_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	return err
}

func (s *SQL) Refresh(ctx context.Context, sessionID string, newExpiresAt, refreshedAt time.Time) (*SessionRecord, error) {
	res, err := s.db.NewUpdate().
		Model((*sessionRow)(nil)).
		Set("expires_at = ?", newExpiresAt).
		Set("last_refresh_at = ?", refreshedAt).
		Where("session_id = ?", sessionID).
		Where("expires_at > ?", time.Now()).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, sessionID)
}

func (s *SQL) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.NewDelete().
		Model((*sessionRow)(nil)).
		Where("session_id = ?", sessionID).
		Exec(ctx)
	return err
}

func (s *SQL) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*sessionRow)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQL) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
