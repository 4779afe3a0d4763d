package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotPrefix = "flocksync_"

// Snapshot writes a consistent copy of the store into dir using VACUUM INTO and returns its path.
func (db *DB) Snapshot(ctx context.Context, dir string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.db", snapshotPrefix, at.UTC().Format("20060102_150405.000000000"))
	target := filepath.Join(dir, name)

	db.logger.Info().Str("path", target).Msg("performing database snapshot")
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}
	return target, nil
}

// PruneSnapshots removes snapshots in dir last modified before cutoff.
func (db *DB) PruneSnapshots(dir string, cutoff time.Time) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), snapshotPrefix) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			db.logger.Info().Str("file", file.Name()).Msg("deleting old snapshot")
			if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
				db.logger.Warn().Err(err).Str("file", file.Name()).Msg("failed to delete snapshot")
				continue
			}
			removed++
		}
	}
	return removed, nil
}
