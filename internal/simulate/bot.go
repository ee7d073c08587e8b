package simulate

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"naskahsync/internal/ot"
)

// Names are given to bots in order.
var Names = []string{"Alice", "Bob", "Charlie", "David", "Eve", "Frank", "Grace", "Heidi"}

// Snippets are the phrases bots type.
var Snippets = []string{
	" soudain, une idée brillante surgit.",
	" le code devint limpide comme de l'eau de roche.",
	" et la compilation réussit du premier coup !",
	" cependant, le serveur répondait encore.",
	" c'était le début d'une nouvelle ère.",
	" tous les tests passèrent au vert.",
	" la solution était sous leurs yeux depuis le début.",
}

// minLineLength is how short a bot lets its line get while deleting.
const minLineLength = 5

// Editor is the part of a session a bot drives.
type Editor interface {
	Snapshot() ot.Snapshot
	Cursor() ot.LineCol
	Insert(ctx context.Context, pos ot.LineCol, text string) (ot.Operation, error)
	Delete(ctx context.Context, start, end ot.LineCol) (ot.Operation, error)
	MoveCursor(pos ot.LineCol) error
}

type mode int

const (
	idle mode = iota
	typing
	deleting
)

type BotOptions struct {
	// Line is the line the bot writes on. Missing lines are created.
	Line uint32
	// Rate is the number of steps per second.
	Rate   float64
	Seed   int64
	Logger *zap.Logger
}

// Bot edits a document like a participant typing at the end of one line:
// it idles, types a snippet one character at a time or backspaces.
type Bot struct {
	Name string

	editor  Editor
	line    uint32
	rng     *rand.Rand
	limiter *rate.Limiter
	log     *zap.Logger

	mode     mode
	phrase   []rune
	progress int
	delay    atomic.Int64
	ops      atomic.Int64
}

func NewBot(name string, editor Editor, opts BotOptions) *Bot {
	if opts.Rate <= 0 {
		opts.Rate = 2.5
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		Name:    name,
		editor:  editor,
		line:    opts.Line,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), 1),
		log:     log.With(zap.String("bot", name)),
	}
}

// Ops is the number of operations the bot produced.
func (b *Bot) Ops() int { return int(b.ops.Load()) }

// Stall pauses the bot once before its next step, as a slow link would.
func (b *Bot) Stall(d time.Duration) { b.delay.Store(int64(d)) }

// Run steps the bot until ctx is done. Transport failures are not fatal: the
// edit stays applied locally and the connection retransmits it.
func (b *Bot) Run(ctx context.Context) error {
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil
		}
		if d := time.Duration(b.delay.Swap(0)); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil
			}
		}
		err := b.Step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ot.ErrTransportFailure):
			b.log.Debug("edit queued while offline", zap.Error(err))
		case errors.Is(err, ot.ErrOutOfBounds):
			// A remote edit landed between reading the text and editing it.
			b.log.Debug("stale position, retrying", zap.Error(err))
		default:
			return err
		}
	}
}

// Step performs one action.
func (b *Bot) Step(ctx context.Context) error {
	snap := b.editor.Snapshot()
	last := uint32(len(snap.Lines) - 1)
	if b.line > last {
		// Grow the document one line at a time.
		end := ot.LineCol{Line: last, Column: uint32(utf8.RuneCountInString(snap.Lines[last]))}
		return b.insert(ctx, end, "\n")
	}
	lineEnd := uint32(utf8.RuneCountInString(snap.Lines[b.line]))

	if b.mode == idle && b.rng.Float64() > 0.8 {
		if b.rng.Float64() > 0.3 {
			b.mode = typing
			b.phrase = []rune(Snippets[b.rng.Intn(len(Snippets))])
			b.progress = 0
		} else {
			b.mode = deleting
		}
	}

	switch b.mode {
	case typing:
		if b.progress >= len(b.phrase) {
			b.mode = idle
			return nil
		}
		ch := string(b.phrase[b.progress])
		b.progress++
		return b.insert(ctx, ot.LineCol{Line: b.line, Column: lineEnd}, ch)
	case deleting:
		if lineEnd <= minLineLength {
			b.mode = idle
			return nil
		}
		_, err := b.editor.Delete(ctx, ot.LineCol{Line: b.line, Column: lineEnd - 1}, ot.LineCol{Line: b.line, Column: lineEnd})
		return b.count(err)
	}

	if b.rng.Float64() > 0.7 {
		cur := b.editor.Cursor()
		if cur.Line != b.line {
			cur = ot.LineCol{Line: b.line, Column: lineEnd}
		}
		if b.rng.Float64() > 0.5 && cur.Column < lineEnd {
			cur.Column++
		} else if cur.Column > 0 {
			cur.Column--
		}
		return b.editor.MoveCursor(cur)
	}
	return nil
}

func (b *Bot) insert(ctx context.Context, pos ot.LineCol, text string) error {
	_, err := b.editor.Insert(ctx, pos, text)
	return b.count(err)
}

// count records an edit that was applied locally, which includes edits whose
// send failed.
func (b *Bot) count(err error) error {
	if err == nil || errors.Is(err, ot.ErrTransportFailure) {
		b.ops.Add(1)
	}
	return err
}
