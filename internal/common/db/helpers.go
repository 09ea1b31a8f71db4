package db

import (
	"database/sql"
	"errors"
	"time"
)

// GetQuerier returns transaction if provided, otherwise uses the database.
func GetQuerier(database Database, tx Transaction) Querier {
	if tx != nil {
		return tx
	}
	return database
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// NullableID maps non-positive ids to NULL.
func NullableID(id int64) interface{} {
	if id <= 0 {
		return nil
	}
	return id
}

// NullableTime maps a nil time to NULL.
func NullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// TimePtr returns nil for a NULL column.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
