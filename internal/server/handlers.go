package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/billioG/reintegros/internal/expense"
	"github.com/billioG/reintegros/internal/syncer"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleCapture accepts a photographed receipt and returns the pre-filled
// draft for the confirmation form. Extraction misses come back as empty
// fields, never as an error.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	// 50MB cap to handle high-resolution phone photos
	maxFormSize := int64(50 << 20)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "Photo is too large. Maximum size is 50MB."
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errorMsg})
		return
	}

	f, header, err := r.FormFile("photo")
	if err != nil {
		slog.Error("Error getting photo from form", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No photo provided"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading photo", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	draft := s.service.CaptureDraft(data, header.Header.Get("Content-Type"))
	writeJSON(w, http.StatusOK, draft)
}

// handleCreateRecord persists a user-confirmed form as a pending record. A
// persistence failure is a blocking failure of the save: the client keeps
// the form and retries.
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var fields expense.Fields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	id, err := s.service.SaveRecord(fields)
	if err != nil {
		slog.Error("Error saving record", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Could not save record, please retry"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// handleListRecords returns all records
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListAll()
	if err != nil {
		slog.Error("Error listing records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleListPending returns the records awaiting delivery
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListPending()
	if err != nil {
		slog.Error("Error listing pending records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleSync runs a user-triggered sync. Unlike the automatic triggers, an
// empty run is reported explicitly.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Run(r.Context(), syncer.ReasonManual)
	switch {
	case errors.Is(err, syncer.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "No network connection"})
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Sync already running"})
	case err != nil:
		slog.Error("Error running sync", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
	case result.Empty:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Nothing to sync"})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// statusResponse is the dashboard surface: connection state, queue counts
// and the last successful sync.
type statusResponse struct {
	Online       bool           `json:"online"`
	PendingCount int            `json:"pending_count"`
	TotalCount   int            `json:"total_count"`
	LastSyncAt   string         `json:"last_sync_at,omitempty"`
	LastRun      *syncer.Result `json:"last_run,omitempty"`
}

// handleStatus reports connection state and queue counts
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.service.ListAll()
	if err != nil {
		slog.Error("Error listing records", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	pending := 0
	for _, record := range all {
		if !record.Synced {
			pending++
		}
	}

	status := statusResponse{
		Online:       s.connectivity.IsOnline(),
		PendingCount: pending,
		TotalCount:   len(all),
		LastRun:      s.engine.LastResult(),
	}

	if lastSync, err := s.service.LastSyncAt(); err != nil {
		slog.Error("Error reading last sync time", "error", err)
	} else if !lastSync.IsZero() {
		status.LastSyncAt = lastSync.Format("2006-01-02T15:04:05Z07:00")
	}

	writeJSON(w, http.StatusOK, status)
}
