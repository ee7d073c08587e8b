package presence

import (
	"sort"
	"sync"
	"time"

	"naskahsync/internal/ot"
)

// DefaultTypingWindow is the quiet period after which a participant stops
// being reported as typing.
const DefaultTypingWindow = 500 * time.Millisecond

// Palette is assigned round-robin to participants that join without a colour.
var Palette = []string{"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#10b981", "#06b6d4", "#3b82f6", "#8b5cf6", "#d946ef", "#f43f5e"}

type Participant struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Color       string     `json:"color"`
	Cursor      ot.LineCol `json:"cursor"`
	IsTyping    bool       `json:"is_typing"`
	OpCount     uint32     `json:"op_count"`
}

// Tracker holds the active participants of one document. Cursors are
// re-anchored through every accepted operation. Typing flags are cleared by a
// per-participant timer that each new operation replaces.
type Tracker struct {
	mu           sync.Mutex
	participants map[string]*Participant
	timers       map[string]*typingTimer
	window       time.Duration
	joined       int
	onChange     func(Participant)
}

// NewTracker creates a tracker. onChange, if set, is called outside the
// tracker lock whenever a typing flag expires.
func NewTracker(window time.Duration, onChange func(Participant)) *Tracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &Tracker{
		participants: make(map[string]*Participant),
		timers:       make(map[string]*typingTimer),
		window:       window,
		onChange:     onChange,
	}
}

// Join adds a participant or returns the existing one.
func (t *Tracker) Join(id, displayName, color string) Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.participants[id]; ok {
		return *p
	}
	if displayName == "" {
		displayName = id
	}
	if color == "" {
		color = Palette[t.joined%len(Palette)]
	}
	t.joined++
	p := &Participant{ID: id, DisplayName: displayName, Color: color}
	t.participants[id] = p
	return *p
}

// Leave removes a participant. Its past operations stay in the document.
func (t *Tracker) Leave(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	delete(t.participants, id)
}

// MoveCursor records a cursor reported by its participant.
func (t *Tracker) MoveCursor(id string, pos ot.LineCol) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.participants[id]
	if !ok {
		return Participant{}, false
	}
	p.Cursor = pos
	return *p, true
}

// Observe re-anchors every cursor through an accepted operation and marks its
// author as typing.
func (t *Tracker) Observe(op ot.Operation) {
	if op.IsNoop() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.participants {
		if id == op.Author {
			p.Cursor = authorCursor(op)
			continue
		}
		p.Cursor = ot.TransformCursor(p.Cursor, op)
	}
	author, ok := t.participants[op.Author]
	if !ok {
		return
	}
	author.OpCount++
	author.IsTyping = true
	if timer, ok := t.timers[op.Author]; ok {
		timer.Stop()
	}
	id := op.Author
	timer := &typingTimer{}
	timer.Timer = time.AfterFunc(t.window, func() { t.expire(id, timer) })
	t.timers[id] = timer
}

// typingTimer gives each debounce a stable identity before its timer exists.
type typingTimer struct {
	*time.Timer
}

func (t *Tracker) expire(id string, timer *typingTimer) {
	t.mu.Lock()
	if t.timers[id] != timer {
		// Replaced by a newer operation or the participant left.
		t.mu.Unlock()
		return
	}
	delete(t.timers, id)
	p, ok := t.participants[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.IsTyping = false
	changed := *p
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(changed)
	}
}

// Get returns one participant.
func (t *Tracker) Get(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot returns all participants ordered by id.
func (t *Tracker) Snapshot() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.participants)
}

// Close stops all pending typing timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// authorCursor is where the author's caret sits after its own edit.
func authorCursor(op ot.Operation) ot.LineCol {
	if op.Kind == ot.KindInsert {
		return op.InsertEnd()
	}
	return op.Pos
}
