package database

import (
	"database/sql"
	"fmt"
	"time"

	"naskahsync/pkg/logger"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	op_id       UUID PRIMARY KEY,
	document_id TEXT        NOT NULL,
	revision    BIGINT      NOT NULL,
	author      TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	start_line  INTEGER     NOT NULL,
	start_col   INTEGER     NOT NULL,
	end_line    INTEGER     NOT NULL,
	end_col     INTEGER     NOT NULL,
	body        TEXT        NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS activity_log (
	id          TEXT PRIMARY KEY,
	document_id TEXT        NOT NULL,
	level       TEXT        NOT NULL,
	message     TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_document_idx ON activity_log (document_id, created_at DESC);
`

// Connect opens the journal database and creates its tables.
func Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database after retries: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal tables: %w", err)
	}
	logger.Sugar.Info("Successfully connected to the database")
	return db, nil
}
