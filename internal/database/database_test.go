package database

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flocksync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	db, err := NewDB(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, db.InsertOperation(ctx, &models.QueuedOperation{
		ID: "op-1", Kind: models.KindHTTP, Endpoint: "/x", Method: "POST",
		Priority: 3, MaxRetries: 3, CreatedAt: time.Now(), Status: models.StatusPending,
	}))
	require.NoError(t, db.Close())

	db, err = NewDB(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	op, err := db.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "/x", op.Endpoint)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestDB_ErrorPaths(t *testing.T) {
	db := setupTestDB(t)
	db.Close() // Close the DB to trigger errors

	ctx := context.Background()
	now := time.Now()

	t.Run("InsertOperation", func(t *testing.T) {
		assert.Error(t, db.InsertOperation(ctx, &models.QueuedOperation{ID: "x"}))
	})

	t.Run("SelectEligible", func(t *testing.T) {
		_, err := db.SelectEligible(ctx, now, 10)
		assert.Error(t, err)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		_, err := db.CountByStatus(ctx)
		assert.Error(t, err)
	})

	t.Run("GetEntry", func(t *testing.T) {
		_, err := db.GetEntry(ctx, "k")
		assert.Error(t, err)
	})

	t.Run("PutEntries", func(t *testing.T) {
		assert.Error(t, db.PutEntries(ctx, []*models.CacheEntry{{Key: "k"}}))
	})

	t.Run("StartSyncLog", func(t *testing.T) {
		_, err := db.StartSyncLog(ctx, models.LogTypeSync, "", now)
		assert.Error(t, err)
	})
}
