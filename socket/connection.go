package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"naskahsync/internal/ot"
	"naskahsync/internal/presence"
	"naskahsync/internal/session"
)

var errNotConnected = errors.New("not connected")

type ConnectionOptions struct {
	DisplayName string
	// Token is sent as a bearer token when the server checks identities.
	Token      string
	GapTimeout time.Duration
	Logger     *zap.Logger
	Dialer     *websocket.Dialer

	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	OnRemote  func(op ot.Operation)
	OnMessage func(msg WSMessage)
}

type syncResult struct {
	ops []ot.Operation
	err error
}

// Connection is the client end of the websocket transport. It owns the
// participant's Session, feeds it the server's messages and implements
// session.Transport for it.
type Connection struct {
	url         string
	participant string
	opts        ConnectionOptions
	log         *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	sess         *session.Session
	participants []presence.Participant
	waiters      map[uint64][]chan syncResult
	resetNeeded  bool

	// recvMu orders delivery into the session. While a resync runs,
	// operations and acks are held and replayed afterwards.
	recvMu    sync.Mutex
	resyncing bool
	resyncGen int
	held      []WSMessage

	writeMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// NewConnection prepares a connection to a document endpoint such as
// ws://host/ws?docId=doc-1. Nothing is dialled until Run.
func NewConnection(rawURL, participant string, opts ConnectionOptions) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if q.Get("docId") == "" {
		return nil, fmt.Errorf("connection url %q has no docId", rawURL)
	}
	q.Set("participant", participant)
	if opts.DisplayName != "" {
		q.Set("name", opts.DisplayName)
	}
	u.RawQuery = q.Encode()

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		url:         u.String(),
		participant: participant,
		opts:        opts,
		log:         log.With(zap.String("participant", participant)),
		waiters:     make(map[uint64][]chan syncResult),
		ready:       make(chan struct{}),
	}, nil
}

// Ready is closed once the first snapshot arrived and Session is usable.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

func (c *Connection) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Participants returns the last presence list received from the server.
func (c *Connection) Participants() []presence.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]presence.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// Run dials the server and keeps the session connected until ctx is done.
// Lost connections are redialled with exponential backoff; when the retries
// are exhausted Run returns ErrTransportFailure.
func (c *Connection) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: dial %s: %v", ot.ErrTransportFailure, c.url, err)
		}
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("connection lost, redialling")
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, _, err = c.opts.Dialer.DialContext(ctx, c.url, header)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MaxRetries), ctx), func(err error, wait time.Duration) {
		c.log.Debug("dial failed", zap.Duration("retry_in", wait), zap.Error(err))
	})
	return conn, err
}

// serve reads from conn until it fails or ctx is done.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("read failed", zap.Error(err))
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("malformed server message", zap.Error(err))
			continue
		}
		c.handle(ctx, msg)
	}

	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	waiters := c.waiters
	c.waiters = make(map[uint64][]chan syncResult)
	sess := c.sess
	c.mu.Unlock()
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- syncResult{err: errNotConnected}
		}
	}
	if sess != nil {
		sess.Disconnect()
	}
}

// Drop closes the current websocket. Run redials and resyncs.
func (c *Connection) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Connection) handle(ctx context.Context, msg WSMessage) {
	switch msg.Type {
	case SnapshotType:
		var p SnapshotPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed snapshot", zap.Error(err))
			return
		}
		c.onSnapshot(ctx, p)

	case OperationType, AckType:
		c.recvMu.Lock()
		if c.resyncing {
			c.held = append(c.held, msg)
		} else {
			c.deliverLocked(ctx, msg)
		}
		c.recvMu.Unlock()

	case SyncResponseType:
		var p SyncResponsePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed sync response", zap.Error(err))
			return
		}
		c.resolve(p.Since, syncResult{ops: p.Ops})

	case PresenceUpdateType:
		var p PresencePayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			c.mu.Lock()
			c.participants = p.Participants
			c.mu.Unlock()
		}

	case ErrorType:
		var p ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn("malformed error", zap.Error(err))
			return
		}
		c.onError(p)
	}

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Connection) onSnapshot(ctx context.Context, p SnapshotPayload) {
	snap := ot.Snapshot{Lines: p.Lines, Revision: p.Revision}

	c.mu.Lock()
	c.participants = p.Participants
	reset := c.resetNeeded
	c.resetNeeded = false
	sess := c.sess
	if sess == nil {
		c.sess = session.New(c.participant, snap, c, session.Options{
			GapTimeout: c.opts.GapTimeout,
			Logger:     c.log,
			OnRemote:   c.opts.OnRemote,
		})
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		return
	}
	c.mu.Unlock()

	c.recvMu.Lock()
	c.resyncGen++
	gen := c.resyncGen
	c.held = nil
	if reset || snap.Revision < sess.Revision() {
		c.resyncing = false
		if dropped := sess.Reset(snap); dropped > 0 {
			c.log.Warn("replaced replica with server snapshot", zap.Int("dropped", dropped))
		}
		c.recvMu.Unlock()
		return
	}
	c.resyncing = true
	c.recvMu.Unlock()

	// The gap fetch waits on this read loop, so it runs on its own.
	go func() {
		err := sess.Reconnect(ctx)

		c.recvMu.Lock()
		if gen != c.resyncGen {
			// A newer connection started its own resync.
			c.recvMu.Unlock()
			return
		}
		held := c.held
		c.held = nil
		c.resyncing = false
		if err == nil {
			for _, msg := range held {
				c.deliverLocked(ctx, msg)
			}
		}
		c.recvMu.Unlock()

		if err != nil {
			c.log.Warn("resync failed", zap.Error(err))
			c.Drop()
		}
	}()
}

// deliverLocked hands an operation or ack to the session. Callers hold
// c.recvMu.
func (c *Connection) deliverLocked(ctx context.Context, msg WSMessage) {
	sess := c.Session()
	if sess == nil {
		return
	}
	var err error
	switch msg.Type {
	case OperationType:
		var p OperationPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = sess.Receive(ctx, p.Op)
		}
	case AckType:
		var p AckPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = sess.Acknowledge(ctx, p)
		}
	}
	if err != nil && session.IsFatal(err) {
		c.log.Warn("lost sync with server", zap.String("type", msg.Type), zap.Error(err))
		c.Drop()
	} else if err != nil {
		c.log.Warn("bad server message", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (c *Connection) onError(p ErrorPayload) {
	c.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
	switch {
	case p.Since != nil:
		if p.Code == CodeHistoryTrimmed || p.Code == CodeProtocolViolation {
			c.requestReset()
		}
		c.resolve(*p.Since, syncResult{err: fmt.Errorf("sync since %d: %s", *p.Since, p.Message)})
	case p.Code == CodeRateLimited && p.OpID != uuid.Nil:
		// The submission was dropped; a reconnect retransmits it.
		c.Drop()
	case p.OpID != uuid.Nil:
		// The server refused our operation; the replica cannot be
		// reconciled with it.
		c.requestReset()
		c.Drop()
	}
}

func (c *Connection) requestReset() {
	c.mu.Lock()
	c.resetNeeded = true
	c.mu.Unlock()
}

func (c *Connection) resolve(since uint64, res syncResult) {
	c.mu.Lock()
	chans := c.waiters[since]
	delete(c.waiters, since)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- res
	}
}

// Send submits op to the server. Part of session.Transport.
func (c *Connection) Send(ctx context.Context, op ot.Operation) error {
	return c.write(SubmitType, SubmitPayload{Op: op})
}

// FetchSince asks for the operations after revision and waits for the
// answer. Part of session.Transport.
func (c *Connection) FetchSince(ctx context.Context, revision uint64) ([]ot.Operation, error) {
	ch := make(chan syncResult, 1)
	c.mu.Lock()
	c.waiters[revision] = append(c.waiters[revision], ch)
	c.mu.Unlock()

	if err := c.write(SyncRequestType, SyncRequestPayload{Since: revision}); err != nil {
		c.forget(revision, ch)
		return nil, err
	}
	select {
	case res := <-ch:
		return res.ops, res.err
	case <-ctx.Done():
		c.forget(revision, ch)
		return nil, ctx.Err()
	}
}

func (c *Connection) forget(revision uint64, ch chan syncResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[revision]
	for i, w := range chans {
		if w == ch {
			c.waiters[revision] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[revision]) == 0 {
		delete(c.waiters, revision)
	}
}

// MoveCursor moves the local caret and tells the other participants.
func (c *Connection) MoveCursor(pos ot.LineCol) error {
	sess := c.Session()
	if sess == nil {
		return fmt.Errorf("%w: %v", ot.ErrTransportFailure, errNotConnected)
	}
	if err := sess.MoveCursor(pos); err != nil {
		return err
	}
	if err := c.write(CursorType, CursorPayload{Pos: pos}); err != nil {
		return fmt.Errorf("%w: cursor: %v", ot.ErrTransportFailure, err)
	}
	return nil
}

func (c *Connection) Chat(text string) error {
	return c.write(ChatType, ChatPayload{Text: text})
}

func (c *Connection) write(msgType string, payload any) error {
	b, err := encode(msgType, "", c.participant, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
