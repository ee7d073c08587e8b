package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"naskahsync/config"
	"naskahsync/internal/document/model"
	"naskahsync/internal/simulate"
	"naskahsync/pkg/logger"
)

type options struct {
	server    string
	doc       string
	text      string
	bots      int
	duration  time.Duration
	rate      float64
	loss      float64
	weather   time.Duration
	settle    time.Duration
	gap       time.Duration
	seed      int64
	jwtSecret string
	logLevel  string
	asJSON    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	// Flags default to the server's own configuration so a shared .env keeps
	// both sides in agreement.
	defaults, err := config.Load()
	if err != nil {
		defaults = &config.Config{}
		defaults.Collab.GapTimeout = 5 * time.Second
	}
	cmd := &cobra.Command{
		Use:   "naskah-sim",
		Short: "Drive a naskah sync server with typing bots",
		Long: `naskah-sim connects a number of bots to one document on a running server.
The bots type and delete French snippets on their own lines while their links
suffer random latency and packet loss. When the run ends it checks that every
replica converged to the server's copy of the document.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "server base URL")
	f.StringVarP(&opts.doc, "doc", "d", "demo", "document id")
	f.StringVar(&opts.text, "text", "Il était une fois", "initial text when the document is created")
	f.IntVarP(&opts.bots, "bots", "n", 3, "number of bots")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "how long the bots edit")
	f.Float64Var(&opts.rate, "rate", 2.5, "steps per second per bot")
	f.Float64Var(&opts.loss, "loss", simulate.DefaultLossRate, "packet loss probability per link sample (negative disables)")
	f.DurationVar(&opts.weather, "weather", 2*time.Second, "how often link latency is resampled")
	f.DurationVar(&opts.settle, "settle", 10*time.Second, "how long to wait for convergence")
	f.DurationVar(&opts.gap, "gap-timeout", defaults.Collab.GapTimeout, "timeout for fetching missed operations on reconnect")
	f.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")
	f.StringVar(&opts.jwtSecret, "jwt-secret", defaults.Auth.JWTSecret, "sign bot identities with this HS256 secret")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	f.BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts *options) error {
	logger.Init(opts.logLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	base, err := url.Parse(strings.TrimRight(opts.server, "/"))
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if err := ensureDocument(ctx, base, opts.doc, opts.text); err != nil {
		return err
	}

	ws := *base
	ws.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	ws.Path = base.Path + "/ws"
	ws.RawQuery = url.Values{"docId": {opts.doc}}.Encode()

	cfg := simulate.Config{
		URL:        ws.String(),
		Bots:       opts.bots,
		Duration:   opts.duration,
		Rate:       opts.rate,
		Loss:       opts.loss,
		Weather:    opts.weather,
		Settle:     opts.settle,
		Seed:       opts.seed,
		GapTimeout: opts.gap,
		Logger:     logger.Log,
	}
	if opts.jwtSecret != "" {
		cfg.TokenFor = func(participant string) string {
			return signToken(opts.jwtSecret, participant)
		}
	}

	report, runErr := simulate.Run(ctx, cfg)
	server, err := fetchSnapshot(ctx, base, opts.doc)
	if err != nil {
		return errors.Join(runErr, err)
	}
	matches := report.Converged && report.Revision == server.Revision && report.Text == strings.Join(server.Lines, "\n")

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			simulate.Report
			ServerRevision uint64 `json:"server_revision"`
			MatchesServer  bool   `json:"matches_server"`
		}{report, server.Revision, matches}); err != nil {
			return err
		}
	} else {
		printReport(out, report, server.Revision, matches)
	}

	if runErr != nil {
		return runErr
	}
	if !matches {
		return errors.New("replicas did not converge to the server document")
	}
	return nil
}

func signToken(secret, participant string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": participant,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		// HMAC signing only fails for a wrong key type.
		panic(err)
	}
	return signed
}

// ensureDocument creates the document unless it already exists.
func ensureDocument(ctx context.Context, base *url.URL, docID, text string) error {
	body, err := json.Marshal(model.CreateDocRequest{ID: docID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/api/documents", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
		return nil
	}
	msg, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("create document: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

func fetchSnapshot(ctx context.Context, base *url.URL, docID string) (model.SnapshotResponse, error) {
	var snap model.SnapshotResponse
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, base.String()+"/api/documents/"+url.PathEscape(docID), nil)
	if err != nil {
		return snap, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("fetch snapshot: %s", resp.Status)
	}
	return snap, json.NewDecoder(resp.Body).Decode(&snap)
}

func printReport(out io.Writer, report simulate.Report, serverRevision uint64, matches bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARTICIPANT\tNAME\tOPS\tDROPS\tLATENCY\tREVISION")
	for _, b := range report.Bots {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%dms\t%d\n", b.Participant, b.Name, b.Ops, b.Drops, b.Latency.Milliseconds(), b.Revision)
	}
	w.Flush()

	fmt.Fprintf(out, "\nserver revision: %d\n", serverRevision)
	if matches {
		fmt.Fprintln(out, "converged: yes")
	} else {
		fmt.Fprintln(out, "converged: NO")
	}
	fmt.Fprintf(out, "\n%s\n", report.Text)
}
