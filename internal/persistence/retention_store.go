package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedFiles     int64 `json:"purged_files"`
	OrphanArtifacts int64 `json:"orphan_artifacts"`
}

// RunRetention deletes file blobs older than the configured window and any
// artifact rows whose task no longer exists. The job is idempotent; fileDays
// <= 0 keeps blobs forever.
func (s *Store) RunRetention(ctx context.Context, fileDays int) (RetentionResult, error) {
	var result RetentionResult

	if fileDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -fileDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge files: %w", err)
		}
		result.PurgedFiles, _ = res.RowsAffected()
	}

	// Artifacts normally cascade with their task; this catches rows left by
	// crashes between a task delete and its cascade commit.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE task_id NOT IN (SELECT id FROM tasks);`,
	)
	if err != nil {
		return result, fmt.Errorf("purge orphan artifacts: %w", err)
	}
	result.OrphanArtifacts, _ = res.RowsAffected()

	return result, nil
}
