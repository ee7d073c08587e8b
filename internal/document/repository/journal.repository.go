package repository

import (
	"database/sql"
	"fmt"

	"naskahsync/internal/document/model"
	"naskahsync/pkg/logger"
)

// JournalRepository is the audit trail of accepted operations and activity
// entries. It is written behind the in-memory documents and never read back
// into them.
type JournalRepository struct {
	DB *sql.DB
}

func NewJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{DB: db}
}

// AppendOperations stores a batch of operations in one transaction. Op ids
// already journaled are skipped.
func (r *JournalRepository) AppendOperations(ops []model.JournalOp) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := r.DB.Begin()
	if err != nil {
		logger.Sugar.Errorf("Failed to begin journal transaction: %v", err)
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO operations
		(op_id, document_id, revision, author, kind, start_line, start_col, end_line, end_col, body, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (op_id) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		logger.Sugar.Errorf("Failed to prepare journal insert: %v", err)
		return err
	}
	defer stmt.Close()

	for _, j := range ops {
		op := j.Op
		_, err := stmt.Exec(op.OpID.String(), j.DocID, op.Revision, op.Author, string(op.Kind),
			op.Pos.Line, op.Pos.Column, op.End.Line, op.End.Column, op.Text, j.AppliedAt)
		if err != nil {
			tx.Rollback()
			logger.Sugar.Errorf("Failed to journal op %s for doc %s: %v", op.OpID, j.DocID, err)
			return fmt.Errorf("journal op %s: %w", op.OpID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		logger.Sugar.Errorf("Failed to commit journal batch: %v", err)
		return err
	}
	return nil
}

func (r *JournalRepository) AppendLog(entry model.LogEntry) error {
	_, err := r.DB.Exec(`INSERT INTO activity_log (id, document_id, level, message, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.DocID, string(entry.Level), entry.Text, entry.Timestamp)
	if err != nil {
		logger.Sugar.Errorf("Failed to append log for doc %s: %v", entry.DocID, err)
	}
	return err
}

// RecentLogs returns up to limit entries for a document, newest first.
func (r *JournalRepository) RecentLogs(docID string, limit int) ([]model.LogEntry, error) {
	rows, err := r.DB.Query(`SELECT id, document_id, level, message, created_at FROM activity_log
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT $2`, docID, limit)
	if err != nil {
		logger.Sugar.Errorf("Failed to get logs for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var e model.LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.DocID, &level, &e.Text, &e.Timestamp); err != nil {
			logger.Sugar.Errorf("Failed to scan log row: %v", err)
			continue
		}
		e.Level = model.LogLevel(level)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
