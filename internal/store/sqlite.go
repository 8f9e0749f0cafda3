package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/heartflow/internal/heartflow"
)

// globalScope is the scope key of the cross-conversation ledger.
const globalScope = "_global"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS affinity_scopes (
			scope TEXT PRIMARY KEY,
			last_decay_date TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS affinity_users (
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			affinity REAL NOT NULL,
			interactions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scope, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (heartflow.Snapshot, error) {
	snap := emptySnapshot()
	records := make(map[string]*heartflow.Record)
	get := func(scope string) *heartflow.Record {
		r, ok := records[scope]
		if !ok {
			nr := normalize(heartflow.Record{})
			r = &nr
			records[scope] = r
		}
		return r
	}

	rows, err := s.db.QueryContext(ctx, `SELECT scope, last_decay_date FROM affinity_scopes`)
	if err != nil {
		return snap, fmt.Errorf("query scopes: %w", err)
	}
	for rows.Next() {
		var scope, date string
		if err := rows.Scan(&scope, &date); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan scope: %w", err)
		}
		get(scope).LastDecayDate = date
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT scope, user_id, affinity, interactions FROM affinity_users`)
	if err != nil {
		return snap, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			scope, user  string
			affinity     float64
			interactions int
		)
		if err := rows.Scan(&scope, &user, &affinity, &interactions); err != nil {
			return snap, fmt.Errorf("scan user: %w", err)
		}
		r := get(scope)
		r.Affinity[user] = affinity
		if interactions > 0 {
			r.Interactions[user] = interactions
		}
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	for scope, r := range records {
		if scope == globalScope {
			snap.Global = *r
			continue
		}
		snap.Local[scope] = *r
	}
	snap.Global = normalize(snap.Global)
	return snap, nil
}

// Save replaces the stored ledgers with snap in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap heartflow.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM affinity_users`, `DELETE FROM affinity_scopes`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}

	scopeStmt, err := tx.PrepareContext(ctx, `INSERT INTO affinity_scopes (scope, last_decay_date) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare scope insert: %w", err)
	}
	defer scopeStmt.Close()
	userStmt, err := tx.PrepareContext(ctx, `INSERT INTO affinity_users (scope, user_id, affinity, interactions) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare user insert: %w", err)
	}
	defer userStmt.Close()

	write := func(scope string, r heartflow.Record) error {
		if _, err := scopeStmt.ExecContext(ctx, scope, r.LastDecayDate); err != nil {
			return fmt.Errorf("insert scope %s: %w", scope, err)
		}
		for user, v := range r.Affinity {
			if _, err := userStmt.ExecContext(ctx, scope, user, v, r.Interactions[user]); err != nil {
				return fmt.Errorf("insert user %s/%s: %w", scope, user, err)
			}
		}
		return nil
	}
	for conv, r := range snap.Local {
		if conv == globalScope {
			continue
		}
		if err := write(conv, r); err != nil {
			return err
		}
	}
	if err := write(globalScope, snap.Global); err != nil {
		return err
	}
	return tx.Commit()
}
