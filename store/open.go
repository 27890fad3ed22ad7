package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config selects and tunes the backing store.
type Config struct {
	Driver          string        `json:"driver" yaml:"driver" validate:"required,oneof=memory sqlite sqlite3 postgres postgresql pgx"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	TablePrefix     string        `json:"table_prefix" yaml:"table_prefix"`
	PingTimeout     time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

// DefaultConfig keeps everything in process.
func DefaultConfig() Config {
	return Config{
		Driver:          "memory",
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

func (c Config) validateSQL() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("database dsn is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return errors.New("database max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("database connection lifetimes must be >= 0")
	}
	return nil
}

// Open builds the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Driver), "memory") || cfg.Driver == "" {
		return NewMemoryStore(), nil
	}
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch dialect {
	case DialectPostgres:
		return OpenPostgres(ctx, cfg)
	default:
		return OpenSQLite(ctx, cfg)
	}
}

// OpenPostgres connects through the pgx stdlib driver and pings before use.
func OpenPostgres(ctx context.Context, cfg Config) (*SQLStore, error) {
	if err := cfg.validateSQL(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return finishOpen(ctx, db, DialectPostgres, cfg)
}

// OpenSQLite opens a single-writer SQLite database. DSN may be a file path
// or ":memory:".
func OpenSQLite(ctx context.Context, cfg Config) (*SQLStore, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if err := cfg.validateSQL(); err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		// immediate transactions take the write lock up front, so claims from
		// several processes queue on the busy timeout instead of failing
		dsn += "?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// one connection keeps :memory: databases alive and writers serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return finishOpen(ctx, db, DialectSQLite, cfg)
}

func finishOpen(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config) (*SQLStore, error) {
	s := NewSQLStore(db, dialect, WithTablePrefix(cfg.TablePrefix))
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}
