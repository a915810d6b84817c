package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the mutation service already serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadEntries(ctx context.Context) ([]schedule.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scheduled_at, asset_ref, created_at FROM schedule_entries
		 ORDER BY scheduled_at, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Entry
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.ScheduledAt, &r.AssetRef, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r.entry())
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutEntry(ctx context.Context, e schedule.Entry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r := toRow(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_entries(id, scheduled_at, asset_ref, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET scheduled_at=excluded.scheduled_at, asset_ref=excluded.asset_ref`,
		r.ID, r.ScheduledAt, r.AssetRef, r.CreatedAt,
	)
	return err
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE id = ?`, id)
	return err
}

// Compact checkpoints the WAL back into the database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	s.log.Debug("wal checkpointed")
	return nil
}
