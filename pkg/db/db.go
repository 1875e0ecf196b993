package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lkarlslund/tokenrelay/pkg/usage"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type Options struct {
	MaxOpenConns int
	PingTimeout  time.Duration
}

// Open returns a GORM handle for dsn. Postgres DSNs go through pgx; anything
// else is treated as a SQLite path. Only an unusable DSN or driver is an
// error: an unreachable server yields a working handle whose connections
// fail until the server comes back.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 16
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	switch DetectDialect(trimmed) {
	case DialectPostgres:
		return openPostgres(trimmed, opts)
	default:
		return openSQLite(trimmed, opts)
	}
}

func DetectDialect(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		// Log rows are single-statement appends.
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger: logger.New(gormLogWriter{}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// gormLogWriter routes GORM's own messages into the debug stream. Callers
// log the errors they act on.
type gormLogWriter struct{}

func (gormLogWriter) Printf(format string, args ...any) {
	log.Debug("gorm: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func openPostgres(dsn string, opts Options) (*gorm.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	sqlDB := stdlib.OpenDB(*cfg)
	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: open: %w", err)
	}
	configurePool(sqlDB, opts.MaxOpenConns)
	if err := ping(sqlDB, opts.PingTimeout); err != nil {
		log.Warn("database not reachable yet; accounting writes will fail until it is", "err", err)
	}
	return conn, nil
}

func openSQLite(dsn string, opts Options) (*gorm.DB, error) {
	normalized := normalizeSQLiteDSN(dsn)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, err
	}
	conn, err := gorm.Open(sqlite.Open(normalized), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite sql: %w", err)
	}
	maxConns := opts.MaxOpenConns
	if isSQLiteMemory(normalized) {
		// Every new connection to :memory: is a fresh empty database.
		maxConns = 1
	}
	configurePool(sqlDB, maxConns)
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: sqlite pragma: %w", err)
	}
	if err := ping(sqlDB, opts.PingTimeout); err != nil {
		log.Warn("sqlite database not reachable yet", "err", err)
	}
	return conn, nil
}

func configurePool(sqlDB *sql.DB, maxConns int) {
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
}

func ping(sqlDB *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return nil
}

// Migrate creates or updates the usage log table.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if err := conn.AutoMigrate(&usage.LogRow{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

// MigrateUntilReady retries Migrate every interval until it succeeds or ctx
// ends.
func MigrateUntilReady(ctx context.Context, conn *gorm.DB, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		err := Migrate(conn)
		if err == nil {
			log.Info("usage database migrated")
			return nil
		}
		log.Warn("usage database migration failed; will retry", "err", err, "in", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func normalizeSQLiteDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(trimmed, "://", 2)
		if len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return trimmed
}

func isSQLiteMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(strings.ToLower(dsn), "mode=memory")
}

func sqlitePathFromDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" || isSQLiteMemory(trimmed) {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "file:") {
		pathPart := trimmed[len("file:"):]
		if idx := strings.Index(pathPart, "?"); idx >= 0 {
			pathPart = pathPart[:idx]
		}
		return strings.TrimPrefix(pathPart, "//")
	}
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func ensureSQLiteDir(dsn string) error {
	path := sqlitePathFromDSN(dsn)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("db: create sqlite dir: %w", err)
	}
	return nil
}
