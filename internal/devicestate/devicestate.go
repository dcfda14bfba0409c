// Package devicestate keeps the small amount of state a till must survive a
// restart with: the cash session it last held for each pharmacy.
package devicestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS remembered_sessions (
	pharmacy_id   TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	remembered_at TIMESTAMP NOT NULL
)`

type rememberedSession struct {
	PharmacyID   string    `db:"pharmacy_id"`
	SessionID    string    `db:"session_id"`
	RememberedAt time.Time `db:"remembered_at"`
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "till-state.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open device state: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create device state schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Remember(ctx context.Context, pharmacyID string, sessionID string) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO remembered_sessions (pharmacy_id, session_id, remembered_at)
		VALUES (:pharmacy_id, :session_id, :remembered_at)
		ON CONFLICT (pharmacy_id) DO UPDATE SET
			session_id = excluded.session_id,
			remembered_at = excluded.remembered_at`,
		rememberedSession{PharmacyID: pharmacyID, SessionID: sessionID, RememberedAt: s.now().UTC()},
	)
	if err != nil {
		return fmt.Errorf("remember session: %w", err)
	}
	return nil
}

// Recall returns "" when nothing is remembered for the pharmacy.
func (s *Store) Recall(ctx context.Context, pharmacyID string) (string, error) {
	var sessionID string
	err := s.db.GetContext(ctx, &sessionID, `SELECT session_id FROM remembered_sessions WHERE pharmacy_id = ?`, pharmacyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("recall session: %w", err)
	}
	return sessionID, nil
}

func (s *Store) Forget(ctx context.Context, pharmacyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM remembered_sessions WHERE pharmacy_id = ?`, pharmacyID); err != nil {
		return fmt.Errorf("forget session: %w", err)
	}
	return nil
}
