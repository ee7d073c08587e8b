package simulate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/document/service"
	"naskahsync/socket"
)

func TestBotsConvergeUnderPacketLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("runs bots against a live hub")
	}
	hub := socket.NewHub(service.NewDocumentService(0), socket.HubOptions{MessageRate: 1000, MessageBurst: 1000})
	go hub.Run()
	defer hub.Stop()
	_, _, err := hub.Docs.CreateDocument("demo", "Il était une fois")
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		socket.ServeWs(hub, w, r, q.Get("participant"), q.Get("name"))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := Run(ctx, Config{
		URL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?docId=demo",
		Bots:     3,
		Duration: 1500 * time.Millisecond,
		Rate:     25,
		Loss:     0.2,
		Weather:  150 * time.Millisecond,
		Settle:   10 * time.Second,
		Seed:     7,
	})
	require.NoError(t, err)
	require.True(t, report.Converged, "replicas diverged: %+v", report.Bots)

	snap, err := hub.Docs.Snapshot("demo")
	require.NoError(t, err)
	assert.Equal(t, snap.Text(), report.Text)
	assert.Equal(t, snap.Revision, report.Revision)

	ops := 0
	for _, b := range report.Bots {
		ops += b.Ops
	}
	assert.Positive(t, ops)
}

func TestRunNeedsBots(t *testing.T) {
	_, err := Run(context.Background(), Config{URL: "ws://localhost/ws?docId=demo"})
	assert.Error(t, err)
}
