package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

// NewTestStore opens a migrated SQLite store in a per-test temp directory.
func NewTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:         DriverSQLite,
		DSN:            filepath.Join(t.TempDir(), "fleet.db"),
		ConnectTimeout: 5 * time.Second,
		LogLevel:       logger.Silent,
	})
	require.NoError(t, err, "Failed to open SQLite store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}
