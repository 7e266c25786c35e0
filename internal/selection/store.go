// Package selection persists the last successfully activated candidate
// identity per workspace. This is the only orchestrator state that
// survives a process restart; everything else is rebuilt from it plus a
// fresh catalog fetch.
package selection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/envgate/internal/workspace"
)

// Store is a SQLite-backed last-writer-wins map from workspace key to
// context hash. Writes are single atomic upserts; there is never a
// partially written selection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the persisted context hash for scope, or "" if none.
func (s *Store) Get(ctx context.Context, scope workspace.Scope) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT context_hash FROM workspace_selection WHERE workspace_key = ?;",
		scope.Key()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read workspace selection: %w", err)
	}
	return hash, nil
}

// Set upserts the persisted selection for scope.
func (s *Store) Set(ctx context.Context, scope workspace.Scope, contextHash string) error {
	if contextHash == "" {
		return fmt.Errorf("context hash is empty")
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspace_selection(workspace_key, workspace_root, context_hash, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(workspace_key) DO UPDATE SET
  workspace_root = excluded.workspace_root,
  context_hash = excluded.context_hash,
  updated_at = excluded.updated_at;
`, scope.Key(), scope.Root, contextHash, now)
	if err != nil {
		return fmt.Errorf("upsert workspace selection: %w", err)
	}
	return nil
}

// Clear removes the persisted selection for scope. Clearing an absent
// selection is not an error.
func (s *Store) Clear(ctx context.Context, scope workspace.Scope) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM workspace_selection WHERE workspace_key = ?;", scope.Key())
	if err != nil {
		return fmt.Errorf("clear workspace selection: %w", err)
	}
	return nil
}
