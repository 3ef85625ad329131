package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tOgg1/slurmssh/internal/db"
)

// NewTestDB opens a migrated history database in a temp dir. It is closed
// via t.Cleanup.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
