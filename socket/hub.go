package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/service"
	"naskahsync/internal/events"
	"naskahsync/internal/ot"
	"naskahsync/internal/presence"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
)

const recentLogCap = 200

// Journal receives accepted operations and activity entries for audit.
type Journal interface {
	AppendOperations(ops []model.JournalOp) error
	AppendLog(entry model.LogEntry) error
}

// PresenceMirror publishes participant state outside this process.
type PresenceMirror interface {
	Upsert(ctx context.Context, docID string, p presence.Participant) error
	Remove(ctx context.Context, docID, participantID string) error
	Drop(ctx context.Context, docID string) error
}

// EventPublisher announces applied operations to downstream consumers.
type EventPublisher interface {
	TryEnqueue(evt events.OpEvent) bool
}

type HubOptions struct {
	Journal      Journal
	Mirror       PresenceMirror
	Events       EventPublisher
	TypingWindow time.Duration
	// MessageRate and MessageBurst bound inbound messages per connection.
	MessageRate  float64
	MessageBurst int
}

type inbound struct {
	client *Client
	msg    WSMessage
}

type Room struct {
	clients map[*Client]bool
	tracker *presence.Tracker
}

// Hub owns every connected client. Its Run loop is the single path through
// which operations reach the document service, so each client's messages are
// applied in the order they were read.
type Hub struct {
	Rooms      map[string]*Room
	Register   chan *Client
	Unregister chan *Client
	Inbound    chan inbound
	Docs       *service.DocumentService

	refresh chan string
	done    chan struct{}
	stop    sync.Once
	opts    HubOptions

	mu          sync.Mutex
	pendingOps  []model.JournalOp
	pendingLogs []model.LogEntry
	recentLogs  map[string][]model.LogEntry
}

func NewHub(docs *service.DocumentService, opts HubOptions) *Hub {
	if opts.MessageRate <= 0 {
		opts.MessageRate = 50
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 100
	}
	return &Hub{
		Rooms:      make(map[string]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan inbound, 256),
		Docs:       docs,
		refresh:    make(chan string),
		done:       make(chan struct{}),
		opts:       opts,
		recentLogs: make(map[string][]model.LogEntry),
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)
}

// Run processes registrations, inbound messages and typing expiries until
// Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.register(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case in := <-h.Inbound:
			h.handle(in.client, in.msg)
		case docID := <-h.refresh:
			h.broadcastPresenceUpdate(docID)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

func (h *Hub) register(client *Client) {
	snap := h.Docs.Open(client.DocID)

	h.mu.Lock()
	room, ok := h.Rooms[client.DocID]
	if !ok {
		docID := client.DocID
		room = &Room{
			clients: make(map[*Client]bool),
			tracker: presence.NewTracker(h.opts.TypingWindow, func(presence.Participant) {
				select {
				case h.refresh <- docID:
				case <-h.done:
				}
			}),
		}
		h.Rooms[docID] = room
		metrics.OpenRooms.Inc()
	}
	room.clients[client] = true
	participant := room.tracker.Join(client.UserID, client.DisplayName, "")
	participants := room.tracker.Snapshot()
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()

	h.sendTo(client, SnapshotType, SnapshotPayload{Lines: snap.Lines, Revision: snap.Revision, Participants: participants})
	h.broadcast(client.DocID, JoinType, client.UserID, participant, client)
	h.broadcastPresenceUpdate(client.DocID)
	h.mirrorUpsert(client.DocID, participant)
	h.appendLog(client.DocID, participant.DisplayName+" joined the document", model.LogInfo)
	logger.Sugar.Infof("Client %s joined doc %s at revision %d", client.UserID, client.DocID, snap.Revision)
}

// removeClient detaches a client from its room. It is safe to call more than
// once for the same client.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	room, ok := h.Rooms[client.DocID]
	if !ok || !room.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(room.clients, client)
	close(client.Send)
	if !h.stillConnected(room, client.UserID) {
		room.tracker.Leave(client.UserID)
	}
	empty := len(room.clients) == 0
	if empty {
		room.tracker.Close()
		delete(h.Rooms, client.DocID)
		metrics.OpenRooms.Dec()
	}
	h.mu.Unlock()
	metrics.ActiveConnections.Dec()

	if empty {
		h.mirrorDrop(client.DocID)
		logger.Sugar.Infof("Closed empty room: %s", client.DocID)
	} else {
		h.mirrorRemove(client.DocID, client.UserID)
		h.broadcastPresenceUpdate(client.DocID)
	}
	h.appendLog(client.DocID, client.UserID+" left the document", model.LogInfo)
}

// stillConnected reports whether another connection of the same participant
// remains in the room. Callers hold h.mu.
func (h *Hub) stillConnected(room *Room, userID string) bool {
	for c := range room.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) handle(client *Client, msg WSMessage) {
	switch msg.Type {
	case SubmitType:
		var p SubmitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(client, CodeBadRequest, "malformed submit payload", uuid.Nil, nil)
			return
		}
		h.submit(client, p.Op)

	case SyncRequestType:
		var p SyncRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(client, CodeBadRequest, "malformed sync request", uuid.Nil, nil)
			return
		}
		ops, err := h.Docs.OpsSince(client.DocID, p.Since)
		if err != nil {
			h.sendError(client, errorCode(err), err.Error(), uuid.Nil, &p.Since)
			return
		}
		h.sendTo(client, SyncResponseType, SyncResponsePayload{Since: p.Since, Ops: ops})

	case CursorType:
		var p CursorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.sendError(client, CodeBadRequest, "malformed cursor payload", uuid.Nil, nil)
			return
		}
		h.mu.Lock()
		var (
			part presence.Participant
			ok   bool
		)
		if room := h.Rooms[client.DocID]; room != nil {
			part, ok = room.tracker.MoveCursor(client.UserID, p.Pos)
		}
		h.mu.Unlock()
		if ok {
			h.broadcast(client.DocID, CursorType, client.UserID, part, client)
			h.mirrorUpsert(client.DocID, part)
		}

	case ChatType:
		var p ChatPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			h.sendError(client, CodeBadRequest, "chat message needs text", uuid.Nil, nil)
			return
		}
		chat := model.ChatMessage{ID: uuid.NewString(), UserID: client.UserID, Text: p.Text, Timestamp: time.Now().UTC()}
		h.broadcast(client.DocID, ChatType, client.UserID, chat, nil)

	case LogType:
		var p LogPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			h.sendError(client, CodeBadRequest, "log entry needs text", uuid.Nil, nil)
			return
		}
		if p.Level == "" {
			p.Level = model.LogInfo
		}
		h.appendLog(client.DocID, p.Text, p.Level)

	default:
		logger.Sugar.Warnf("Unknown message type %q from %s", msg.Type, client.UserID)
		h.sendError(client, CodeBadRequest, "unknown message type "+msg.Type, uuid.Nil, nil)
	}
}

func (h *Hub) submit(client *Client, op ot.Operation) {
	// The author is whoever owns the connection.
	op.Author = client.UserID

	start := time.Now()
	res, err := h.Docs.Submit(client.DocID, op)
	metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		code := errorCode(err)
		metrics.OpsRejected.WithLabelValues(code).Inc()
		logger.Sugar.Warnf("Rejected op %s from %s on doc %s: %v", op.OpID, client.UserID, client.DocID, err)
		h.sendError(client, code, err.Error(), op.OpID, nil)
		return
	}

	h.sendTo(client, AckType, AckPayload{OpID: op.OpID, Revision: res.Revision, Applied: res.Applied})
	if res.Duplicate {
		return
	}
	if !res.Applied {
		metrics.OpsRejected.WithLabelValues("absorbed").Inc()
		return
	}
	metrics.OpsApplied.WithLabelValues(string(res.Op.Kind)).Inc()

	h.broadcast(client.DocID, OperationType, client.UserID, OperationPayload{Op: res.Op}, client)

	h.mu.Lock()
	var part presence.Participant
	var ok bool
	if room := h.Rooms[client.DocID]; room != nil {
		room.tracker.Observe(res.Op)
		part, ok = room.tracker.Get(client.UserID)
	}
	if h.opts.Journal != nil {
		h.pendingOps = append(h.pendingOps, model.JournalOp{DocID: client.DocID, Op: res.Op, AppliedAt: time.Now().UTC()})
	}
	h.mu.Unlock()

	if ok {
		h.broadcastPresenceUpdate(client.DocID)
		h.mirrorUpsert(client.DocID, part)
	}
	if h.opts.Events != nil {
		h.opts.Events.TryEnqueue(events.NewOpApplied(client.DocID, res.Op))
	}
}

// Participants returns the active participants of a document.
func (h *Hub) Participants(docID string) []presence.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.Rooms[docID]
	if !ok {
		return []presence.Participant{}
	}
	return room.tracker.Snapshot()
}

// RecentLogs returns the newest in-memory activity entries, newest first.
func (h *Hub) RecentLogs(docID string, limit int) []model.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	logs := h.recentLogs[docID]
	if limit <= 0 || limit > len(logs) {
		limit = len(logs)
	}
	out := make([]model.LogEntry, 0, limit)
	for i := len(logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, logs[i])
	}
	return out
}

// RemoveDocument disconnects every client of a document and drops it from
// memory. Called when a document is deleted via the API.
func (h *Hub) RemoveDocument(docID string) error {
	h.mu.Lock()
	if room, ok := h.Rooms[docID]; ok {
		for client := range room.clients {
			// readPump exits and unregisters the client.
			client.Conn.Close()
		}
	}
	delete(h.recentLogs, docID)
	h.mu.Unlock()
	return h.Docs.DeleteDocument(docID)
}

func (h *Hub) appendLog(docID, text string, level model.LogLevel) {
	entry := model.LogEntry{ID: uuid.NewString(), DocID: docID, Text: text, Timestamp: time.Now().UTC(), Level: level}
	h.mu.Lock()
	logs := append(h.recentLogs[docID], entry)
	if len(logs) > recentLogCap {
		logs = logs[len(logs)-recentLogCap:]
	}
	h.recentLogs[docID] = logs
	if h.opts.Journal != nil {
		h.pendingLogs = append(h.pendingLogs, entry)
	}
	h.mu.Unlock()
	h.broadcast(docID, LogType, "", entry, nil)
}

func (h *Hub) broadcastPresenceUpdate(docID string) {
	h.mu.Lock()
	room, ok := h.Rooms[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	participants := room.tracker.Snapshot()
	h.mu.Unlock()
	h.broadcast(docID, PresenceUpdateType, "", PresencePayload{Participants: participants}, nil)
}

// broadcast sends a message to every client of a room except one. Clients
// whose send buffer is full are disconnected.
func (h *Hub) broadcast(docID, msgType, userID string, payload any, except *Client) {
	b, err := encode(msgType, docID, userID, payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s broadcast: %v", msgType, err)
		return
	}

	h.mu.Lock()
	room, ok := h.Rooms[docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	clientsToSend := make([]*Client, 0, len(room.clients))
	for client := range room.clients {
		if client != except {
			clientsToSend = append(clientsToSend, client)
		}
	}
	var lagging []*Client
	for _, client := range clientsToSend {
		select {
		case client.Send <- b:
		default:
			lagging = append(lagging, client)
		}
	}
	h.mu.Unlock()

	for _, client := range lagging {
		logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", client.UserID)
		h.removeClient(client)
		client.Conn.Close()
	}
}

func (h *Hub) sendTo(client *Client, msgType string, payload any) {
	b, err := encode(msgType, client.DocID, client.UserID, payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s message: %v", msgType, err)
		return
	}
	h.mu.Lock()
	room := h.Rooms[client.DocID]
	registered := room != nil && room.clients[client]
	if registered {
		select {
		case client.Send <- b:
		default:
			registered = false
		}
	}
	h.mu.Unlock()
	if !registered {
		logger.Sugar.Warnf("Dropping %s for client %s: not registered or buffer full", msgType, client.UserID)
	}
}

func (h *Hub) sendError(client *Client, code, message string, opID uuid.UUID, since *uint64) {
	h.sendTo(client, ErrorType, ErrorPayload{Code: code, Message: message, OpID: opID, Since: since})
}

func (h *Hub) mirrorUpsert(docID string, p presence.Participant) {
	if h.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.opts.Mirror.Upsert(ctx, docID, p); err != nil {
		logger.Sugar.Warnf("Presence mirror update failed for doc %s: %v", docID, err)
	}
}

func (h *Hub) mirrorRemove(docID, participantID string) {
	if h.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.opts.Mirror.Remove(ctx, docID, participantID); err != nil {
		logger.Sugar.Warnf("Presence mirror remove failed for doc %s: %v", docID, err)
	}
}

func (h *Hub) mirrorDrop(docID string) {
	if h.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.opts.Mirror.Drop(ctx, docID); err != nil {
		logger.Sugar.Warnf("Presence mirror drop failed for doc %s: %v", docID, err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrProtocolViolation):
		return CodeProtocolViolation
	case errors.Is(err, ot.ErrInvalidOperation):
		return CodeInvalidOperation
	case errors.Is(err, ot.ErrOutOfBounds):
		return CodeOutOfBounds
	case errors.Is(err, service.ErrHistoryTrimmed):
		return CodeHistoryTrimmed
	}
	return CodeInternal
}

// JournalWorker flushes queued journal entries every interval until ctx is
// done, then flushes once more. Failed batches stay queued for the next tick.
func (h *Hub) JournalWorker(ctx context.Context, interval time.Duration) {
	if h.opts.Journal == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.FlushJournal()
		case <-ctx.Done():
			h.FlushJournal()
			return
		}
	}
}

// FlushJournal writes queued operations and log entries.
func (h *Hub) FlushJournal() error {
	if h.opts.Journal == nil {
		return nil
	}
	h.mu.Lock()
	ops, logs := h.pendingOps, h.pendingLogs
	h.pendingOps, h.pendingLogs = nil, nil
	h.mu.Unlock()

	var failedLogs []model.LogEntry
	var errs []error
	if err := h.opts.Journal.AppendOperations(ops); err != nil {
		errs = append(errs, err)
	} else {
		ops = nil
	}
	for _, entry := range logs {
		if err := h.opts.Journal.AppendLog(entry); err != nil {
			failedLogs = append(failedLogs, entry)
			errs = append(errs, err)
		}
	}

	if len(ops) > 0 || len(failedLogs) > 0 {
		h.mu.Lock()
		h.pendingOps = append(ops, h.pendingOps...)
		h.pendingLogs = append(failedLogs, h.pendingLogs...)
		h.mu.Unlock()
	}
	if len(errs) > 0 {
		metrics.JournalFlushes.WithLabelValues("failed").Inc()
		err := errors.Join(errs...)
		logger.Sugar.Errorf("Journal flush failed, keeping %d ops and %d logs queued: %v", len(ops), len(failedLogs), err)
		return fmt.Errorf("flush journal: %w", err)
	}
	metrics.JournalFlushes.WithLabelValues("ok").Inc()
	return nil
}
