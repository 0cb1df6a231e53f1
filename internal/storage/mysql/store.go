// Package mysql provides the MySQL-backed module-state store.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
)

// Config describes the MySQL connection.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store persists module state rows keyed by (account, namespace).
type Store struct {
	db *sql.DB
}

// NewStore opens the database, applies the schema and returns the store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mysql dsn cannot be empty")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context, account string, ns store.Namespace, v any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM module_state WHERE account = ? AND namespace = ?`,
		account, string(ns),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return store.ErrStateNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load module state")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode module state")
	}
	return nil
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, account string, ns store.Namespace, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode module state")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO module_state (account, namespace, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE state = VALUES(state), updated_at = VALUES(updated_at)`,
		account, string(ns), raw, time.Now().Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save module state")
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, account string, ns store.Namespace) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM module_state WHERE account = ? AND namespace = ?`,
		account, string(ns),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete module state")
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
