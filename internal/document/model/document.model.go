package model

import (
	"time"

	"naskahsync/internal/ot"
	"naskahsync/internal/presence"
)

type CreateDocRequest struct {
	ID   string `json:"document_id,omitempty"`
	Text string `json:"text"`
}

type CreateDocResponse struct {
	DocID    string `json:"document_id"`
	Revision uint64 `json:"revision"`
}

type SnapshotResponse struct {
	DocID        string                 `json:"document_id"`
	Lines        []string               `json:"lines"`
	Revision     uint64                 `json:"revision"`
	Participants []presence.Participant `json:"participants"`
}

type OpsResponse struct {
	DocID string         `json:"document_id"`
	Since uint64         `json:"since"`
	Ops   []ot.Operation `json:"ops"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one line of a document's activity feed.
type LogEntry struct {
	ID        string    `json:"id"`
	DocID     string    `json:"document_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"type"`
}

// JournalOp is an accepted operation queued for the audit journal.
type JournalOp struct {
	DocID     string
	Op        ot.Operation
	AppliedAt time.Time
}
