package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"naskahsync/internal/ot"
	"naskahsync/pkg/logger"
)

// DefaultHistoryCap is how many applied operations each document keeps for
// rebasing late submissions and closing client revision gaps.
const DefaultHistoryCap = 10000

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	// ErrHistoryTrimmed is returned when a revision predates the retained
	// history. The client must reload the snapshot.
	ErrHistoryTrimmed = errors.New("revision no longer in history")
)

// Result describes how a submission was accepted.
type Result struct {
	// Op is the operation as applied, rebased and tagged with its revision.
	Op       ot.Operation
	Revision uint64
	// Applied is false when concurrent edits reduced the submission to a
	// no-op. Nothing is broadcast for it.
	Applied bool
	// Duplicate is true when the op id was already accepted.
	Duplicate bool
}

type docState struct {
	mu       sync.Mutex
	doc      *ot.Document
	history  []ot.Operation
	base     uint64
	absorbed map[uuid.UUID]uint64
}

// DocumentService owns the authoritative documents. Each document has its own
// lock; Submit is the only path that mutates a document.
type DocumentService struct {
	mu         sync.RWMutex
	docs       map[string]*docState
	historyCap int
}

func NewDocumentService(historyCap int) *DocumentService {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &DocumentService{docs: make(map[string]*docState), historyCap: historyCap}
}

// CreateDocument registers a document holding text. An empty id gets a fresh
// one.
func (s *DocumentService) CreateDocument(docID, text string) (string, ot.Snapshot, error) {
	if docID == "" {
		docID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; ok {
		return "", ot.Snapshot{}, fmt.Errorf("%w: %s", ErrDocumentExists, docID)
	}
	st := newDocState(text)
	s.docs[docID] = st
	logger.Sugar.Infof("Created document %s", docID)
	return docID, st.doc.Snapshot(), nil
}

// Open returns the document's snapshot, creating it empty when unknown.
func (s *DocumentService) Open(docID string) ot.Snapshot {
	s.mu.Lock()
	st, ok := s.docs[docID]
	if !ok {
		st = newDocState("")
		s.docs[docID] = st
		logger.Sugar.Infof("Opened new empty document %s", docID)
	}
	s.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Snapshot()
}

func (s *DocumentService) DeleteDocument(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	delete(s.docs, docID)
	return nil
}

func (s *DocumentService) Snapshot(docID string) (ot.Snapshot, error) {
	st, err := s.state(docID)
	if err != nil {
		return ot.Snapshot{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.doc.Snapshot(), nil
}

// Documents lists the ids of all open documents.
func (s *DocumentService) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submit rebases op from its base revision to the head and applies it.
//
// A submission with a known op id is acknowledged again with its original
// revision. A base revision ahead of the document, or a base that does not
// include an earlier operation by the same author, is a protocol violation.
func (s *DocumentService) Submit(docID string, op ot.Operation) (Result, error) {
	st, err := s.state(docID)
	if err != nil {
		return Result{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if rev, ok := st.doc.AppliedRevision(op.OpID); ok {
		applied, ok := st.at(rev)
		if !ok {
			// Trimmed from history.
			applied = op.WithRevision(rev)
		}
		return Result{Op: applied, Revision: rev, Applied: true, Duplicate: true}, nil
	}
	if rev, ok := st.absorbed[op.OpID]; ok {
		return Result{Op: op, Revision: rev, Duplicate: true}, nil
	}
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	head := st.doc.Revision()
	if op.Revision > head {
		return Result{}, fmt.Errorf("%w: base revision %d ahead of head %d", ot.ErrProtocolViolation, op.Revision, head)
	}
	concurrent, err := st.since(op.Revision)
	if err != nil {
		return Result{}, err
	}
	for _, h := range concurrent {
		if h.Author == op.Author {
			return Result{}, fmt.Errorf("%w: %s submitted %s without integrating its own revision %d",
				ot.ErrProtocolViolation, op.Author, op.OpID, h.Revision)
		}
	}

	rebased := ot.TransformAll(op, concurrent)
	if rebased.IsNoop() {
		st.absorbed[op.OpID] = head
		return Result{Op: rebased.WithRevision(head), Revision: head}, nil
	}
	snap, err := st.doc.Apply(rebased)
	if err != nil {
		logger.Sugar.Errorf("Dropping operation %s on doc %s: %v", op.OpID, docID, err)
		return Result{}, err
	}
	rebased = rebased.WithRevision(snap.Revision)
	st.history = append(st.history, rebased)
	if over := len(st.history) - s.historyCap; over > 0 {
		st.history = append([]ot.Operation(nil), st.history[over:]...)
		st.base += uint64(over)
	}
	return Result{Op: rebased, Revision: snap.Revision, Applied: true}, nil
}

// OpsSince returns the operations applied after revision, in order.
func (s *DocumentService) OpsSince(docID string, revision uint64) ([]ot.Operation, error) {
	st, err := s.state(docID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if head := st.doc.Revision(); revision > head {
		return nil, fmt.Errorf("%w: revision %d ahead of head %d", ot.ErrProtocolViolation, revision, head)
	}
	ops, err := st.since(revision)
	if err != nil {
		return nil, err
	}
	out := make([]ot.Operation, len(ops))
	copy(out, ops)
	return out, nil
}

func (s *DocumentService) state(docID string) (*docState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	return st, nil
}

func newDocState(text string) *docState {
	return &docState{doc: ot.NewDocument(text), absorbed: make(map[uuid.UUID]uint64)}
}

// since returns history after revision without copying.
func (st *docState) since(revision uint64) ([]ot.Operation, error) {
	if revision < st.base {
		return nil, fmt.Errorf("%w: %d, oldest is %d", ErrHistoryTrimmed, revision, st.base)
	}
	return st.history[revision-st.base:], nil
}

func (st *docState) at(revision uint64) (ot.Operation, bool) {
	if revision <= st.base || revision-st.base > uint64(len(st.history)) {
		return ot.Operation{}, false
	}
	return st.history[revision-st.base-1], true
}
