package collaboration

import (
	"context"
	"log"
	"net/http"

	"otp2p/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Peers are not browsers; any origin may connect
		return true
	},
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleDocumentConnection handles WebSocket connection for a specific document
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentID := vars["id"]

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		peerID = "anonymous-" + ksuid.New().String()
	}

	// Create span for connection
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("peer.id", peerID),
	)
	defer span.End()

	// Load the replica before upgrading so failures are plain HTTP errors
	room, err := h.sessionManager.Room(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := NewSession(h.sessionManager, room, conn, peerID)

	// Start the writer before registering: registration queues the snapshot
	go session.WritePump(context.Background())

	if err := h.sessionManager.Register(session); err != nil {
		middleware.AddSpanError(ctx, err)
		conn.Close()
		return
	}

	// The request context ends when this handler returns
	// Learning: Separate goroutines prevent deadlock between reading and writing
	go session.ReadPump(context.Background())

	log.Printf("✓ WebSocket connection established for document %s (peer: %s)", documentID, peerID)
}
