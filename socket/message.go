package socket

import (
	"encoding/json"

	"github.com/google/uuid"

	"naskahsync/internal/document/model"
	"naskahsync/internal/ot"
	"naskahsync/internal/presence"
	"naskahsync/internal/session"
)

const (
	JoinType           = "JOIN"            // Sent by the server when a participant opens the document
	SnapshotType       = "SNAPSHOT"        // Full document state for a newly registered client
	SubmitType         = "SUBMIT"          // Client operation tagged with its base revision
	AckType            = "ACK"             // Server accepted the sender's operation
	OperationType      = "OPERATION"       // Another participant's applied operation
	SyncRequestType    = "SYNC_REQUEST"    // Client asks for operations after a revision
	SyncResponseType   = "SYNC_RESPONSE"   // Operations after the requested revision
	CursorType         = "CURSOR"          // Participant moved their cursor
	PresenceUpdateType = "PRESENCE_UPDATE" // Participant list changed
	ChatType           = "CHAT"            // Chat message
	LogType            = "LOG"             // Activity log entry
	ErrorType          = "ERROR"           // Request rejected
)

const (
	CodeProtocolViolation = "protocol_violation"
	CodeInvalidOperation  = "invalid_operation"
	CodeOutOfBounds       = "out_of_bounds"
	CodeHistoryTrimmed    = "history_trimmed"
	CodeRateLimited       = "rate_limited"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Lines        []string               `json:"lines"`
	Revision     uint64                 `json:"revision"`
	Participants []presence.Participant `json:"participants"`
}

type SubmitPayload struct {
	Op ot.Operation `json:"op"`
}

type AckPayload = session.Ack

type OperationPayload struct {
	Op ot.Operation `json:"op"`
}

type SyncRequestPayload struct {
	Since uint64 `json:"since"`
}

type SyncResponsePayload struct {
	Since uint64         `json:"since"`
	Ops   []ot.Operation `json:"ops"`
}

type CursorPayload struct {
	Pos ot.LineCol `json:"pos"`
}

type PresencePayload struct {
	Participants []presence.Participant `json:"participants"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type LogPayload struct {
	Text  string         `json:"text"`
	Level model.LogLevel `json:"type"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	OpID    uuid.UUID `json:"op_id"`
	// Since is set when a sync request failed.
	Since *uint64 `json:"since,omitempty"`
}

func encode(msgType, docID, userID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(WSMessage{Type: msgType, DocID: docID, UserID: userID, Payload: raw})
}
