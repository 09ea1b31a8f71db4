package repository

import (
	"context"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

// SyncStatusRepository tracks the test-data revision each node holds per problem.
type SyncStatusRepository interface {
	// Get returns nil without error when the pair has never been synchronized.
	Get(ctx context.Context, nodeID, problemID int64) (*model.SyncStatus, error)
	Upsert(ctx context.Context, status *model.SyncStatus) error
}

// MySQLSyncStatusRepository implements SyncStatusRepository with MySQL.
type MySQLSyncStatusRepository struct {
	db db.Database
}

// NewSyncStatusRepository creates a sync status repository.
func NewSyncStatusRepository(database db.Database) *MySQLSyncStatusRepository {
	return &MySQLSyncStatusRepository{db: database}
}

func (r *MySQLSyncStatusRepository) Get(ctx context.Context, nodeID, problemID int64) (*model.SyncStatus, error) {
	status := model.SyncStatus{NodeID: nodeID, ProblemID: problemID}
	err := r.db.QueryRow(ctx, `
		SELECT testdata_hash, synced_at
		FROM judge_node_problem_sync
		WHERE node_id = ? AND problem_id = ?
	`, nodeID, problemID).Scan(&status.TestDataHash, &status.SyncedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get sync status failed")
	}
	return &status, nil
}

func (r *MySQLSyncStatusRepository) Upsert(ctx context.Context, status *model.SyncStatus) error {
	if status == nil {
		return appErr.ValidationError("status", "required")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO judge_node_problem_sync (node_id, problem_id, testdata_hash, synced_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE testdata_hash = VALUES(testdata_hash), synced_at = VALUES(synced_at)
	`, status.NodeID, status.ProblemID, status.TestDataHash, status.SyncedAt)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "upsert sync status failed")
	}
	return nil
}
