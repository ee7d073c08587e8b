package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/document/service"
	"naskahsync/internal/ot"
	"naskahsync/pkg/logger"
	"naskahsync/socket"
)

const defaultLogLimit = 50

type DocumentHandler struct {
	Service *service.DocumentService
	Hub     *socket.Hub
	// Journal serves the activity feed when a database is configured.
	Journal *repository.JournalRepository
}

func NewDocumentHandler(hub *socket.Hub, journal *repository.JournalRepository) *DocumentHandler {
	return &DocumentHandler{Service: hub.Docs, Hub: hub, Journal: journal}
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.CreateDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	docID, snap, err := h.Service.CreateDocument(req.ID, req.Text)
	if errors.Is(err, service.ErrDocumentExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to create document: %v", err)
		http.Error(w, "Failed to create document: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, model.CreateDocResponse{DocID: docID, Revision: snap.Revision})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	snap, err := h.Service.Snapshot(docID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.SnapshotResponse{
		DocID:        docID,
		Lines:        snap.Lines,
		Revision:     snap.Revision,
		Participants: h.Hub.Participants(docID),
	})
}

func (h *DocumentHandler) GetOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
		since = v
	}

	ops, err := h.Service.OpsSince(docID, since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, model.OpsResponse{DocID: docID, Since: since, Ops: ops})
}

func (h *DocumentHandler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	if _, err := h.Service.Snapshot(docID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Hub.Participants(docID))
}

func (h *DocumentHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = v
	}

	if h.Journal == nil {
		writeJSON(w, http.StatusOK, h.Hub.RecentLogs(docID, limit))
		return
	}
	logs, err := h.Journal.RecentLogs(docID, limit)
	if err != nil {
		logger.Sugar.Errorf("Error fetching logs: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docID := mux.Vars(r)["id"]
	if err := h.Hub.RemoveDocument(docID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document deleted successfully"))
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrDocumentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrHistoryTrimmed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, ot.ErrProtocolViolation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Sugar.Errorf("Handler: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
