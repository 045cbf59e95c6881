package db

import (
	"database/sql"
	"time"

	"github.com/microjpeg/gateway/internal/model"
)

func InsertOperation(database *sql.DB, op *model.Operation) error {
	wasConverted := 0
	if op.WasConverted {
		wasConverted = 1
	}
	_, err := database.Exec(
		`INSERT INTO operations
		 (id, visitor_id, tier, original_name, original_format, output_format,
		  original_size, compressed_size, ratio, was_converted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.VisitorID, op.Tier, op.OriginalName, op.OriginalFormat,
		op.OutputFormat, op.OriginalSize, op.CompressedSize, op.Ratio, wasConverted,
	)
	return err
}

// ListOperationsSince returns operations created at or after the cutoff,
// newest first.
func ListOperationsSince(database *sql.DB, cutoff time.Time) ([]model.Operation, error) {
	rows, err := database.Query(
		`SELECT id, visitor_id, tier, original_name, original_format, output_format,
		        original_size, compressed_size, ratio, was_converted, created_at
		 FROM operations WHERE created_at >= ? ORDER BY created_at DESC`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var createdAt SQLiteTime
		var wasConverted int
		if err := rows.Scan(&op.ID, &op.VisitorID, &op.Tier, &op.OriginalName,
			&op.OriginalFormat, &op.OutputFormat, &op.OriginalSize,
			&op.CompressedSize, &op.Ratio, &wasConverted, &createdAt); err != nil {
			return nil, err
		}
		op.WasConverted = wasConverted != 0
		op.CreatedAt = createdAt.Time
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CountMonthlyOperations returns the number of operations a visitor has
// performed in the current calendar month.
func CountMonthlyOperations(database *sql.DB, visitorID string, now time.Time) (int, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var n int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM operations WHERE visitor_id = ? AND created_at >= ?`,
		visitorID, monthStart.Format("2006-01-02T15:04:05.000Z"),
	).Scan(&n)
	return n, err
}
