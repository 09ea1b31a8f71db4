package repository

import (
	"context"
	"database/sql"
	"time"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

// NodeRepository is the node registry. Selection is an atomic read-compare-write.
type NodeRepository interface {
	// SelectLeastRecentlyUsed picks the enabled node seen longest ago and bumps its
	// last-seen time to now in the same transaction.
	SelectLeastRecentlyUsed(ctx context.Context, now time.Time) (*model.Node, error)
	// Capacity returns the number of enabled nodes and the sum of their concurrency.
	Capacity(ctx context.Context) (nodes int, slots int, err error)
	List(ctx context.Context) ([]*model.Node, error)
	Get(ctx context.Context, id int64) (*model.Node, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	UpdateToken(ctx context.Context, id int64, token string) error
	UpdateHealth(ctx context.Context, id int64, version string) error
	TouchSynced(ctx context.Context, id int64, at time.Time) error
}

// MySQLNodeRepository implements NodeRepository with MySQL.
type MySQLNodeRepository struct {
	db db.Database
}

// NewNodeRepository creates a node repository.
func NewNodeRepository(database db.Database) *MySQLNodeRepository {
	return &MySQLNodeRepository{db: database}
}

const nodeColumns = "id, name, address, token, concurrency, enabled, version, runtime_multiplier, last_seen_at, last_synced_at, created_at"

func (r *MySQLNodeRepository) SelectLeastRecentlyUsed(ctx context.Context, now time.Time) (*model.Node, error) {
	var selected *model.Node
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		row := tx.QueryRow(ctx, `
			SELECT `+nodeColumns+`
			FROM judge_nodes
			WHERE enabled = 1
			ORDER BY last_seen_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`)
		node, err := scanNode(row)
		if err != nil {
			if db.IsNoRows(err) {
				return appErr.New(appErr.NoNodeAvailable).WithMessage("no enabled judge node")
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "select judge node failed")
		}
		if _, err := tx.Exec(ctx, `UPDATE judge_nodes SET last_seen_at = ? WHERE id = ?`, now, node.ID); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "bump judge node last seen failed")
		}
		node.LastSeenAt = now
		selected = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

func (r *MySQLNodeRepository) Capacity(ctx context.Context) (int, int, error) {
	var nodes int
	var slots sql.NullInt64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*), SUM(concurrency) FROM judge_nodes WHERE enabled = 1`).Scan(&nodes, &slots)
	if err != nil {
		return 0, 0, appErr.Wrapf(err, appErr.DatabaseError, "count judge nodes failed")
	}
	return nodes, int(slots.Int64), nil
}

func (r *MySQLNodeRepository) List(ctx context.Context) ([]*model.Node, error) {
	rows, err := r.db.Query(ctx, `SELECT `+nodeColumns+` FROM judge_nodes ORDER BY id`)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list judge nodes failed")
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan judge node failed")
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate judge nodes failed")
	}
	return nodes, nil
}

func (r *MySQLNodeRepository) Get(ctx context.Context, id int64) (*model.Node, error) {
	node, err := scanNode(r.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM judge_nodes WHERE id = ?`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.NodeNotFound, "judge node %d not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get judge node failed")
	}
	return node, nil
}

func (r *MySQLNodeRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.updateOne(ctx, `UPDATE judge_nodes SET enabled = ? WHERE id = ?`, id, enabled, id)
}

func (r *MySQLNodeRepository) UpdateToken(ctx context.Context, id int64, token string) error {
	if token == "" {
		return appErr.ValidationError("token", "required")
	}
	return r.updateOne(ctx, `UPDATE judge_nodes SET token = ? WHERE id = ?`, id, token, id)
}

func (r *MySQLNodeRepository) UpdateHealth(ctx context.Context, id int64, version string) error {
	return r.updateOne(ctx, `UPDATE judge_nodes SET version = ? WHERE id = ?`, id, version, id)
}

func (r *MySQLNodeRepository) TouchSynced(ctx context.Context, id int64, at time.Time) error {
	return r.updateOne(ctx, `UPDATE judge_nodes SET last_synced_at = ? WHERE id = ?`, id, at, id)
}

// Register inserts a node or updates the one with the same name. Selection state is kept.
func (r *MySQLNodeRepository) Register(ctx context.Context, node *model.Node) error {
	if node == nil || node.Name == "" || node.Address == "" {
		return appErr.ValidationError("node", "name and address are required")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO judge_nodes (name, address, token, concurrency, enabled, runtime_multiplier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE address = VALUES(address), token = VALUES(token),
			concurrency = VALUES(concurrency), enabled = VALUES(enabled),
			runtime_multiplier = VALUES(runtime_multiplier)
	`, node.Name, node.Address, node.Token, node.Concurrency, node.Enabled, node.Multiplier(), time.Now().UTC())
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "register judge node %s failed", node.Name)
	}
	return nil
}

func (r *MySQLNodeRepository) updateOne(ctx context.Context, query string, id int64, args ...interface{}) error {
	res, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update judge node failed")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports 0 for unchanged rows too; only a missing row is an error.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanNode(row db.Row) (*model.Node, error) {
	var (
		node     model.Node
		version  sql.NullString
		lastSeen sql.NullTime
		synced   sql.NullTime
	)
	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.Address,
		&node.Token,
		&node.Concurrency,
		&node.Enabled,
		&version,
		&node.RuntimeMultiplier,
		&lastSeen,
		&synced,
		&node.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.Version = version.String
	if lastSeen.Valid {
		node.LastSeenAt = lastSeen.Time
	}
	node.LastSyncedAt = db.TimePtr(synced)
	return &node, nil
}
