package model

import "time"

// Node is a remote execution service registered by operators.
type Node struct {
	ID                int64
	Name              string
	Address           string
	Token             string
	Concurrency       int
	Enabled           bool
	Version           string
	RuntimeMultiplier float64
	LastSeenAt        time.Time
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
}

// Multiplier returns the runtime multiplier, treating unset values as 1.
func (n *Node) Multiplier() float64 {
	if n.RuntimeMultiplier <= 0 {
		return 1
	}
	return n.RuntimeMultiplier
}

// SyncStatus records which test-data revision a node holds for a problem.
type SyncStatus struct {
	NodeID       int64
	ProblemID    int64
	TestDataHash string
	SyncedAt     time.Time
}
