package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"otp2p/internal/middleware"
	"otp2p/internal/models"
	"otp2p/internal/ot"
	"otp2p/internal/repository"
	"otp2p/internal/services/collaboration"
	"otp2p/internal/tombstone"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	collab    CollaborationService            // Interface defined in this package!
	registry  DocumentRegistry                // Persisted document rows
	wsHandler *collaboration.WebSocketHandler // WebSocket for real-time collab
}

func NewHandler(
	collab CollaborationService, // Accept interface
	registry DocumentRegistry,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		collab:    collab,
		registry:  registry,
		wsHandler: wsHandler,
	}
}

// InsertRequest inserts text at a visible index
type InsertRequest struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	PeerID string `json:"peer_id"`
}

// DeleteRequest removes count visible characters at index
type DeleteRequest struct {
	Index  int    `json:"index"`
	Count  int    `json:"count"`
	PeerID string `json:"peer_id"`
}

// Document handlers

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	// Parse pagination parameters
	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	limit := 50 // default
	offset := 0

	if limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil {
			limit = parsedLimit
		}
	}
	if offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil {
			offset = parsedOffset
		}
	}

	documents, err := h.registry.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	state, err := h.collab.DocumentState(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response := map[string]interface{}{"state": state}
	if doc, err := h.registry.GetByID(r.Context(), id); err == nil {
		response["document"] = doc
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.registry.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.collab.Evict(id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, err := h.collab.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Edit handlers
// Learning: these edit the hub's own replica; connected peers receive the
// resulting op like any other

func (h *Handler) InsertText(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		req.PeerID = "http"
	}

	state, err := h.collab.Insert(r.Context(), id, req.Index, req.Text, req.PeerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) DeleteText(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeerID == "" {
		req.PeerID = "http"
	}

	state, err := h.collab.Delete(r.Context(), id, req.Index, req.Count, req.PeerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// submitOpResponse is the room state plus the ack a websocket peer would get
type submitOpResponse struct {
	collaboration.RoomState
	Ack *models.Message `json:"ack"`
}

// SubmitOp applies an op frame; 409 means the hub no longer knows the
// revision it was based on and the body carries a snapshot instead.
// The ack's op is what the hub applied on the ack's revision; a caller
// transforms its own later edits past it the same way a peer does.
func (h *Handler) SubmitOp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg.Type = models.MessageTypeOp

	state, ack, err := h.collab.SubmitOp(r.Context(), id, &msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ack == nil {
		snap, err := h.collab.Snapshot(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusConflict, snap)
		return
	}
	writeJSON(w, http.StatusOK, submitOpResponse{RoomState: state, Ack: ack})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	middleware.AddSpanError(r.Context(), err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tombstone.ErrIndexOutOfRange),
		errors.Is(err, tombstone.ErrEmptyEdit),
		errors.Is(err, ot.ErrInvalidOp),
		errors.Is(err, ot.ErrOpTooShort),
		errors.Is(err, ot.ErrOpTooLong),
		errors.Is(err, ot.ErrLengthMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collaboration.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
