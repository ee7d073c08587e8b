package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"naskahsync/internal/ot"
)

// DefaultGapTimeout bounds the request for missed operations on reconnect.
const DefaultGapTimeout = 5 * time.Second

const ackMemory = 64

type State int

const (
	Synced State = iota
	PendingAck
	Disconnected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Synced:
		return "synced"
	case PendingAck:
		return "pending_ack"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the connectivity indicator shown to the user.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusSyncing      Status = "syncing"
	StatusDisconnected Status = "disconnected"
)

// Transport carries a session's operations to the authoritative server.
type Transport interface {
	// Send submits one operation. Delivery is acknowledged asynchronously
	// through Session.Acknowledge.
	Send(ctx context.Context, op ot.Operation) error
	// FetchSince returns every operation applied after revision, in order.
	FetchSince(ctx context.Context, revision uint64) ([]ot.Operation, error)
}

// Ack confirms that the server accepted an operation. Applied is false when
// the operation was absorbed by concurrent edits and left the document as is.
type Ack struct {
	OpID     uuid.UUID `json:"op_id"`
	Revision uint64    `json:"revision"`
	Applied  bool      `json:"applied"`
}

type Options struct {
	GapTimeout time.Duration
	Logger     *zap.Logger
	// OnRemote is called, outside the session lock, with every remote
	// operation after it was rebased and applied to the replica.
	OnRemote func(op ot.Operation)
}

// Session is one participant's replica of a document and its buffer of
// unacknowledged local operations. Local edits apply immediately; the head of
// the buffer is the only operation in flight.
type Session struct {
	mu          sync.Mutex
	participant string
	lines       []string
	revision    uint64
	cursor      ot.LineCol
	pending     []ot.Operation
	inflight    bool
	sentAt      time.Time
	latency     time.Duration
	state       State
	acked       []uuid.UUID

	transport  Transport
	gapTimeout time.Duration
	onRemote   func(ot.Operation)
	log        *zap.Logger
	now        func() time.Time
}

// New creates a session from a server snapshot.
func New(participant string, snap ot.Snapshot, transport Transport, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gap := opts.GapTimeout
	if gap <= 0 {
		gap = DefaultGapTimeout
	}
	lines := make([]string, len(snap.Lines))
	copy(lines, snap.Lines)
	if len(lines) == 0 {
		lines = []string{""}
	}
	return &Session{
		participant: participant,
		lines:       lines,
		revision:    snap.Revision,
		transport:   transport,
		gapTimeout:  gap,
		onRemote:    opts.OnRemote,
		log:         log.With(zap.String("participant", participant)),
		now:         time.Now,
	}
}

func (s *Session) Participant() string { return s.participant }

// Snapshot returns the local replica tagged with the last integrated server
// revision. Pending local edits are included in the lines.
func (s *Session) Snapshot() ot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, len(s.lines))
	copy(lines, s.lines)
	return ot.Snapshot{Lines: lines, Revision: s.revision}
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func (s *Session) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Synced:
		return StatusConnected
	case Disconnected:
		return StatusDisconnected
	}
	return StatusSyncing
}

// Latency is the last submit-to-acknowledge round trip.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Pending returns a copy of the unacknowledged operations in local order.
func (s *Session) Pending() []ot.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ot.Operation, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Session) Cursor() ot.LineCol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// MoveCursor sets the local caret. Positions past the end of a line are
// rejected.
func (s *Session) MoveCursor(pos ot.LineCol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	probe := ot.Operation{Kind: ot.KindInsert, Pos: pos}
	if _, err := ot.ApplyLines(s.lines, probe); err != nil {
		return err
	}
	s.cursor = pos
	return nil
}

// Insert applies a local insert and queues it for the server.
func (s *Session) Insert(ctx context.Context, pos ot.LineCol, text string) (ot.Operation, error) {
	s.mu.Lock()
	op, err := ot.NewInsert(s.participant, s.revision, pos, text)
	if err == nil {
		err = s.applyLocalLocked(op)
	}
	s.mu.Unlock()
	if err != nil {
		return ot.Operation{}, err
	}
	return op, s.flush(ctx)
}

// Delete applies a local delete of [start, end) and queues it for the server.
func (s *Session) Delete(ctx context.Context, start, end ot.LineCol) (ot.Operation, error) {
	s.mu.Lock()
	op, err := ot.NewDelete(s.participant, s.revision, start, end)
	if err == nil {
		err = s.applyLocalLocked(op)
	}
	s.mu.Unlock()
	if err != nil {
		return ot.Operation{}, err
	}
	return op, s.flush(ctx)
}

// ApplyDelta turns an edited copy of the text into operations. cursor, when
// known, is the caret in newText and pins ambiguous edits to where the user
// typed.
func (s *Session) ApplyDelta(ctx context.Context, newText string, cursor *ot.LineCol) ([]ot.Operation, error) {
	s.mu.Lock()
	ops, err := ot.Diff(s.participant, s.revision, strings.Join(s.lines, "\n"), newText, cursor)
	if err == nil {
		for _, op := range ops {
			if err = s.applyLocalLocked(op); err != nil {
				break
			}
		}
	}
	if err == nil && cursor != nil {
		s.cursor = *cursor
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ops, s.flush(ctx)
}

func (s *Session) applyLocalLocked(op ot.Operation) error {
	lines, err := ot.ApplyLines(s.lines, op)
	if err != nil {
		return err
	}
	s.lines = lines
	if op.Kind == ot.KindInsert {
		s.cursor = op.InsertEnd()
	} else {
		s.cursor = op.Pos
	}
	s.pending = append(s.pending, op)
	if s.state == Synced {
		s.state = PendingAck
	}
	return nil
}

// Receive integrates an operation from the server's revision stream.
// Operations at or below the known revision are duplicates and ignored. A
// revision gap returns ErrProtocolViolation; the caller resyncs through
// Reconnect.
func (s *Session) Receive(ctx context.Context, op ot.Operation) error {
	s.mu.Lock()
	applied, acked, err := s.integrateLocked(op)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if applied != nil && s.onRemote != nil {
		s.onRemote(*applied)
	}
	if acked {
		return s.flush(ctx)
	}
	return nil
}

// integrateLocked applies one operation of the revision stream. It reports the
// rebased operation when one was applied to the replica, and whether the
// operation was the in-flight local one.
func (s *Session) integrateLocked(op ot.Operation) (*ot.Operation, bool, error) {
	if op.Revision <= s.revision {
		s.log.Debug("duplicate operation ignored", zap.Uint64("revision", op.Revision), zap.Stringer("op_id", op.OpID))
		return nil, false, nil
	}
	if op.Revision != s.revision+1 {
		return nil, false, fmt.Errorf("%w: expected revision %d, got %d", ot.ErrProtocolViolation, s.revision+1, op.Revision)
	}
	if len(s.pending) > 0 && s.pending[0].OpID == op.OpID {
		s.completeHeadLocked(op.Revision, true)
		return nil, true, nil
	}
	for i := 1; i < len(s.pending); i++ {
		if s.pending[i].OpID == op.OpID {
			return nil, false, fmt.Errorf("%w: operation %s applied before its predecessors", ot.ErrProtocolViolation, op.OpID)
		}
	}

	// Nothing is committed until the rebased operation applies, so a failure
	// leaves the replica at its last good revision.
	remote := op
	pending := make([]ot.Operation, len(s.pending))
	for i, p := range s.pending {
		remote, pending[i] = ot.Transform(remote, p), ot.Transform(p, remote)
	}
	lines := s.lines
	if !remote.IsNoop() {
		var err error
		lines, err = ot.ApplyLines(s.lines, remote)
		if err != nil {
			s.log.Error("remote operation out of bounds", zap.Stringer("op", remote), zap.Error(err))
			return nil, false, fmt.Errorf("%w: %v", ot.ErrProtocolViolation, err)
		}
	}

	copy(s.pending, pending)
	s.dropNoopsLocked()
	s.revision = op.Revision
	if remote.IsNoop() {
		return nil, false, nil
	}
	s.lines = lines
	s.cursor = ot.TransformCursor(s.cursor, remote)
	return &remote, false, nil
}

// dropNoopsLocked removes operations that concurrent edits reduced to nothing.
// The in-flight head stays until the server acknowledges it.
func (s *Session) dropNoopsLocked() {
	kept := s.pending[:0]
	for i, p := range s.pending {
		if p.IsNoop() && !(i == 0 && s.inflight) {
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
}

// Acknowledge handles the server's acknowledgment of the in-flight operation
// and sends the next pending one. An acknowledgment that does not name the
// head of the buffer is a protocol violation.
func (s *Session) Acknowledge(ctx context.Context, ack Ack) error {
	s.mu.Lock()
	if s.wasAckedLocked(ack.OpID) {
		s.mu.Unlock()
		return nil
	}
	if len(s.pending) == 0 || s.pending[0].OpID != ack.OpID {
		s.mu.Unlock()
		return fmt.Errorf("%w: acknowledgment for %s out of order", ot.ErrProtocolViolation, ack.OpID)
	}
	switch {
	case !ack.Applied:
		s.completeHeadLocked(s.revision, false)
	case ack.Revision <= s.revision:
		s.mu.Unlock()
		return fmt.Errorf("%w: revision %d assigned twice", ot.ErrProtocolViolation, ack.Revision)
	case ack.Revision != s.revision+1:
		// Operations applied before ours have not reached us yet.
		s.mu.Unlock()
		return fmt.Errorf("%w: acknowledged at revision %d, expected %d", ot.ErrProtocolViolation, ack.Revision, s.revision+1)
	default:
		s.completeHeadLocked(ack.Revision, true)
	}
	s.mu.Unlock()
	return s.flush(ctx)
}

func (s *Session) completeHeadLocked(revision uint64, advance bool) {
	head := s.pending[0]
	s.pending = s.pending[1:]
	if advance {
		s.revision = revision
	}
	if s.inflight {
		s.latency = s.now().Sub(s.sentAt)
		s.inflight = false
	}
	s.acked = append(s.acked, head.OpID)
	if len(s.acked) > ackMemory {
		s.acked = s.acked[len(s.acked)-ackMemory:]
	}
	s.dropNoopsLocked()
	if s.state == PendingAck && len(s.pending) == 0 {
		s.state = Synced
	}
}

func (s *Session) wasAckedLocked(id uuid.UUID) bool {
	for _, a := range s.acked {
		if a == id {
			return true
		}
	}
	return false
}

// flush sends the head of the buffer when nothing is in flight.
func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight || len(s.pending) == 0 || s.state == Disconnected || s.state == Reconnecting {
		s.mu.Unlock()
		return nil
	}
	op := s.pending[0].WithRevision(s.revision)
	s.pending[0] = op
	s.inflight = true
	s.sentAt = s.now()
	s.mu.Unlock()

	if err := s.transport.Send(ctx, op); err != nil {
		s.mu.Lock()
		s.inflight = false
		s.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("%w: send %s: %v", ot.ErrTransportFailure, op.OpID, err)
	}
	return nil
}

// Disconnect records lost connectivity. Local edits keep accumulating.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Disconnected
	s.inflight = false
}

// Reconnect closes the revision gap and retransmits the pending buffer in
// local order. Operations missed while away are rebased through the buffer
// first. If the gap cannot be fetched within the gap timeout the session
// returns to Disconnected with ErrTransportFailure.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.state = Reconnecting
	s.inflight = false
	since := s.revision
	s.mu.Unlock()

	ops, err := s.fetch(ctx, since)
	if err != nil {
		s.Disconnect()
		return fmt.Errorf("%w: fetch since %d: %v", ot.ErrTransportFailure, since, err)
	}

	var applied []ot.Operation
	s.mu.Lock()
	for _, op := range ops {
		remote, _, err := s.integrateLocked(op)
		if err != nil {
			s.state = Disconnected
			s.mu.Unlock()
			return err
		}
		if remote != nil {
			applied = append(applied, *remote)
		}
	}
	if len(s.pending) == 0 {
		s.state = Synced
	} else {
		s.state = PendingAck
	}
	s.mu.Unlock()

	if s.onRemote != nil {
		for _, op := range applied {
			s.onRemote(op)
		}
	}
	s.log.Info("session resynced", zap.Uint64("since", since), zap.Int("missed", len(ops)))
	return s.flush(ctx)
}

// Reset replaces the replica with a server snapshot and discards the pending
// buffer. It is the recovery path when the server rejected a local operation
// or no longer holds the history needed to rebase. It returns the number of
// local operations that were dropped.
func (s *Session) Reset(snap ot.Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.pending)
	s.lines = make([]string, len(snap.Lines))
	copy(s.lines, snap.Lines)
	if len(s.lines) == 0 {
		s.lines = []string{""}
	}
	s.revision = snap.Revision
	s.pending = nil
	s.inflight = false
	s.state = Synced
	probe := ot.Operation{Kind: ot.KindInsert, Pos: s.cursor}
	if _, err := ot.ApplyLines(s.lines, probe); err != nil {
		s.cursor = ot.LineCol{}
	}
	if dropped > 0 {
		s.log.Warn("session reset, local edits discarded", zap.Int("dropped", dropped), zap.Uint64("revision", snap.Revision))
	}
	return dropped
}

// fetch runs FetchSince under the gap timeout. It returns when the timeout
// fires even if the transport ignores cancellation.
func (s *Session) fetch(ctx context.Context, since uint64) ([]ot.Operation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.gapTimeout)
	defer cancel()

	type result struct {
		ops []ot.Operation
		err error
	}
	done := make(chan result, 1)
	go func() {
		ops, err := s.transport.FetchSince(ctx, since)
		done <- result{ops, err}
	}()
	select {
	case r := <-done:
		return r.ops, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsFatal reports whether err requires a resync or user attention.
func IsFatal(err error) bool {
	return errors.Is(err, ot.ErrProtocolViolation) || errors.Is(err, ot.ErrTransportFailure)
}
