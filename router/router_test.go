package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/service"
	"naskahsync/socket"
)

func TestRoutes(t *testing.T) {
	hub := socket.NewHub(service.NewDocumentService(0), socket.HubOptions{})
	go hub.Run()
	defer hub.Stop()
	server := httptest.NewServer(Setup(hub, nil, ""))
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/api/documents", "application/json", strings.NewReader(`{"document_id":"doc-1","text":"hi"}`))
	require.NoError(t, err)
	var created model.CreateDocResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "doc-1", created.DocID)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?docId=doc-1&participant=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	var msg socket.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, socket.SnapshotType, msg.Type)
	assert.Equal(t, "alice", msg.UserID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws?docId=doc-1", nil)
	assert.Error(t, err, "a participant is required")

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/documents/doc-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWrongMethodIsNotAllowed(t *testing.T) {
	hub := socket.NewHub(service.NewDocumentService(0), socket.HubOptions{})
	handler := Setup(hub, nil, "")

	cases := []struct {
		method, target string
		want           int
	}{
		{http.MethodPut, "/api/documents", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/documents/doc-1", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/documents/doc-1/ops", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.target, nil))
		assert.Equal(t, tc.want, rr.Code, "%s %s", tc.method, tc.target)
	}
}
