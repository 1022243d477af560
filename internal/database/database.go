// Package database provides catalog database connection management for
// rtspserver. It supports SQLite, PostgreSQL, and MySQL through GORM.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nofearsk/rtspserver/internal/config"
)

// sqlitePragmas ride on the DSN so they apply to every pooled
// connection, not just the first.
var sqlitePragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(ON)",
}

// DB wraps a GORM connection to the feed catalog.
type DB struct {
	*gorm.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

// Options contains optional connection behavior.
type Options struct {
	// PrepareStmt enables prepared statement caching. Default is true.
	// Set to false for SQLite when using transactions in tests.
	PrepareStmt bool
}

// New opens the catalog database. Pass nil opts for defaults.
func New(cfg config.DatabaseConfig, log *slog.Logger, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{PrepareStmt: true}
	}
	if log == nil {
		log = slog.Default()
	}

	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 &slogAdapter{base: log, threshold: parseGormLevel(cfg.LogLevel)},
		SkipDefaultTransaction: true,
		PrepareStmt:            opts.PrepareStmt,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := configurePool(db, cfg, log); err != nil {
		return nil, err
	}

	return &DB{DB: db, cfg: cfg, logger: log}, nil
}

func openDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		// Pure Go driver (glebarez/sqlite -> modernc.org/sqlite), no CGO.
		sep := "?"
		if strings.Contains(cfg.DSN, "?") {
			sep = "&"
		}
		return sqlite.Open(cfg.DSN + sep + strings.Join(sqlitePragmas, "&")), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// configurePool sizes the connection pool. The catalog is two small
// tables with light write traffic; for SQLite in WAL mode a handful of
// connections is plenty, more only raises lock contention between the
// supervisor's status writes and API reads.
func configurePool(db *gorm.DB, cfg config.DatabaseConfig, log *slog.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if cfg.Driver == "sqlite" {
		maxOpen, maxIdle = 4, 2
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.Debug("database connection pool configured",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return nil
}

// parseGormLevel maps the config log level onto GORM's scale. Unknown
// values land on warn.
func parseGormLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// slowQueryThreshold marks queries worth a warning.
const slowQueryThreshold = 500 * time.Millisecond

// maxLoggedSQL bounds SQL text in log output; batch writes interpolate
// to kilobytes.
const maxLoggedSQL = 200

// slogAdapter implements GORM's logger.Interface on slog.
type slogAdapter struct {
	base      *slog.Logger
	threshold logger.LogLevel
}

func (l *slogAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return &slogAdapter{base: l.base, threshold: level}
}

func (l *slogAdapter) Info(ctx context.Context, msg string, args ...any) {
	l.logf(ctx, logger.Info, slog.LevelInfo, msg, args...)
}

func (l *slogAdapter) Warn(ctx context.Context, msg string, args ...any) {
	l.logf(ctx, logger.Warn, slog.LevelWarn, msg, args...)
}

func (l *slogAdapter) Error(ctx context.Context, msg string, args ...any) {
	l.logf(ctx, logger.Error, slog.LevelError, msg, args...)
}

func (l *slogAdapter) logf(ctx context.Context, at logger.LogLevel, lvl slog.Level, msg string, args ...any) {
	if l.threshold >= at {
		l.base.Log(ctx, lvl, fmt.Sprintf(msg, args...))
	}
}

func (l *slogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.threshold <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var (
		level slog.Level
		msg   string
	)
	switch {
	case err != nil && l.threshold >= logger.Error:
		level, msg = slog.LevelError, "query failed"
	case elapsed > slowQueryThreshold && l.threshold >= logger.Warn:
		level, msg = slog.LevelWarn, "slow query"
	case l.threshold >= logger.Info:
		level, msg = slog.LevelDebug, "query"
	default:
		return
	}
	if !l.base.Enabled(ctx, level) {
		return
	}

	// fc interpolates parameters into the SQL text, which is the
	// expensive part; call it only once the line will be emitted.
	sqlText, rows := fc()
	attrs := []slog.Attr{
		slog.String("sql", clipSQL(sqlText)),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	l.base.LogAttrs(ctx, level, msg, attrs...)
}

func clipSQL(sql string) string {
	if len(sql) <= maxLoggedSQL {
		return sql
	}
	return sql[:maxLoggedSQL] + "..."
}

// pool returns the underlying sql.DB.
func (db *DB) pool() (*sql.DB, error) {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	p, err := db.pool()
	if err != nil {
		return err
	}
	return p.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	p, err := db.pool()
	if err != nil {
		return err
	}
	return p.PingContext(ctx)
}

// WithContext returns a new DB bound to ctx.
func (db *DB) WithContext(ctx context.Context) *DB {
	return &DB{DB: db.DB.WithContext(ctx), cfg: db.cfg, logger: db.logger}
}

// Transaction runs fn in a transaction, rolling back when fn errors.
func (db *DB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return db.DB.WithContext(ctx).Transaction(fn)
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.cfg.Driver
}

// Stats reports connection pool counters for the health endpoint.
func (db *DB) Stats() (map[string]any, error) {
	p, err := db.pool()
	if err != nil {
		return nil, err
	}

	s := p.Stats()
	return map[string]any{
		"max_open_connections": s.MaxOpenConnections,
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"wait_count":           s.WaitCount,
		"wait_duration":        s.WaitDuration.String(),
		"max_idle_closed":      s.MaxIdleClosed,
		"max_lifetime_closed":  s.MaxLifetimeClosed,
	}, nil
}
