package simulate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"naskahsync/internal/ot"
	"naskahsync/internal/session"
	"naskahsync/socket"
)

type Config struct {
	// URL is the document's websocket endpoint, e.g. ws://host/ws?docId=demo.
	URL      string
	Bots     int
	Duration time.Duration
	// Rate is the number of steps per second for each bot.
	Rate float64
	// Loss is the packet loss probability per weather sample. Negative
	// disables loss.
	Loss float64
	// Weather is how often each bot's link is resampled.
	Weather time.Duration
	// Settle bounds the wait for replicas to converge after editing stops.
	Settle     time.Duration
	Seed       int64
	GapTimeout time.Duration
	// TokenFor returns the bearer token of a participant, if the server
	// checks identities.
	TokenFor func(participant string) string
	Logger   *zap.Logger
}

type BotReport struct {
	Participant string        `json:"participant"`
	Name        string        `json:"name"`
	Ops         int           `json:"ops"`
	Drops       int           `json:"drops"`
	Latency     time.Duration `json:"latency"`
	Revision    uint64        `json:"revision"`
	Text        string        `json:"-"`
}

type Report struct {
	Bots      []BotReport `json:"bots"`
	Converged bool        `json:"converged"`
	Revision  uint64      `json:"revision"`
	Text      string      `json:"text"`
}

// connEditor lets bots edit through the session while cursor moves are also
// announced on the connection.
type connEditor struct {
	*session.Session
	conn *socket.Connection
}

func (e connEditor) MoveCursor(pos ot.LineCol) error { return e.conn.MoveCursor(pos) }

type runner struct {
	participant string
	conn        *socket.Connection
	bot         *Bot
	drops       atomic.Int64
}

// Run connects cfg.Bots bots to one document, lets them edit for
// cfg.Duration under sampled latency and packet loss, then waits for every
// replica to settle and reports whether they converged.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Bots <= 0 {
		return Report{}, errors.New("at least one bot is required")
	}
	if cfg.Weather <= 0 {
		cfg.Weather = 2 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	connCtx, cancelConns := context.WithCancel(ctx)
	var connWG sync.WaitGroup
	connErrs := make(chan error, cfg.Bots)
	defer func() {
		cancelConns()
		connWG.Wait()
	}()

	runners := make([]*runner, 0, cfg.Bots)
	for i := 0; i < cfg.Bots; i++ {
		participant := fmt.Sprintf("bot-%d", i+1)
		name := Names[i%len(Names)]
		opts := socket.ConnectionOptions{DisplayName: name, GapTimeout: cfg.GapTimeout, Logger: log}
		if cfg.TokenFor != nil {
			opts.Token = cfg.TokenFor(participant)
		}
		conn, err := socket.NewConnection(cfg.URL, participant, opts)
		if err != nil {
			return Report{}, err
		}
		connWG.Add(1)
		go func() {
			defer connWG.Done()
			if err := conn.Run(connCtx); err != nil {
				connErrs <- fmt.Errorf("%s: %w", participant, err)
			}
		}()

		select {
		case <-conn.Ready():
		case err := <-connErrs:
			return Report{}, err
		case <-time.After(cfg.Settle):
			return Report{}, fmt.Errorf("%s: %w: no snapshot after %s", participant, ot.ErrTransportFailure, cfg.Settle)
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}

		bot := NewBot(name, connEditor{Session: conn.Session(), conn: conn}, BotOptions{
			Line:   uint32(i),
			Rate:   cfg.Rate,
			Seed:   cfg.Seed + int64(i),
			Logger: log,
		})
		runners = append(runners, &runner{participant: participant, conn: conn, bot: bot})
		log.Info("bot connected", zap.String("participant", participant), zap.String("name", name))
	}

	editCtx, stopEditing := context.WithTimeout(ctx, cfg.Duration)
	defer stopEditing()
	var botWG sync.WaitGroup
	var botErrs []error
	var errMu sync.Mutex
	for i, r := range runners {
		sampler := NewLatencySampler(cfg.Seed+int64(1000+i), 0, 0, cfg.Loss)
		botWG.Add(2)
		go func() {
			defer botWG.Done()
			if err := r.bot.Run(editCtx); err != nil {
				errMu.Lock()
				botErrs = append(botErrs, fmt.Errorf("%s: %w", r.participant, err))
				errMu.Unlock()
			}
		}()
		go func() {
			defer botWG.Done()
			weather(editCtx, r, sampler, cfg.Weather, log)
		}()
	}
	botWG.Wait()

	report := settle(ctx, runners, cfg.Settle)
	if err := errors.Join(botErrs...); err != nil {
		return report, err
	}
	select {
	case err := <-connErrs:
		return report, err
	default:
	}
	return report, nil
}

// weather resamples a bot's link: latency stalls the bot once, a lost packet
// drops its connection.
func weather(ctx context.Context, r *runner, sampler *LatencySampler, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			latency, lost := sampler.Sample()
			r.bot.Stall(latency)
			if lost {
				r.drops.Add(1)
				log.Warn("packet lost, reconnecting", zap.String("participant", r.participant))
				r.conn.Drop()
			}
		case <-ctx.Done():
			return
		}
	}
}

// settle waits until every replica is synced at the same revision or the
// timeout passes.
func settle(ctx context.Context, runners []*runner, timeout time.Duration) Report {
	deadline := time.Now().Add(timeout)
	for {
		report := snapshot(runners)
		if report.Converged || time.Now().After(deadline) || ctx.Err() != nil {
			return report
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func snapshot(runners []*runner) Report {
	report := Report{Converged: true}
	for i, r := range runners {
		sess := r.conn.Session()
		snap := sess.Snapshot()
		br := BotReport{
			Participant: r.participant,
			Name:        r.bot.Name,
			Ops:         r.bot.Ops(),
			Drops:       int(r.drops.Load()),
			Latency:     sess.Latency(),
			Revision:    snap.Revision,
			Text:        snap.Text(),
		}
		report.Bots = append(report.Bots, br)
		if sess.State() != session.Synced {
			report.Converged = false
		}
		if i == 0 {
			report.Revision, report.Text = br.Revision, br.Text
		} else if br.Revision != report.Revision || br.Text != report.Text {
			report.Converged = false
		}
	}
	return report
}
