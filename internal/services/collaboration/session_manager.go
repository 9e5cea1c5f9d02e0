package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"otp2p/internal/middleware"
	"otp2p/internal/models"
	"otp2p/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

This implements concurrent session management for real-time collaboration.

Key Concepts:
1. **sync.RWMutex**: Read-write lock for concurrent safe map access
2. **Rooms**: One replica and one set of sessions per document
3. **Broadcast Pattern**: Send message to all connections in a room
4. **Cleanup**: Remove dead connections automatically

A single event loop goroutine owns fan-out, so every session sees broadcasts
in the order they were queued. Ops are queued while their room is still
locked, which makes that order the order the replica applied them in.

Joining happens under the room lock too: the snapshot a new session gets
and its entry in the room are one step, and each queued op carries the room
sequence so the loop can skip ops the snapshot already contains.

The sender of an op gets an ack in place of the op frame, from the same
queue entry, so it sees its ack in the same position relative to other ops
as everyone else sees the op.
*/

// ErrShuttingDown is returned once Shutdown has been called
var ErrShuttingDown = errors.New("session manager is shutting down")

const (
	sendBufferSize = 256
	sessionTimeout = 5 * time.Minute
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Relay forwards applied op frames to other hub instances
type Relay interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
}

// SessionManager manages all active WebSocket sessions and document rooms
// Learning: Central hub for coordinating real-time collaboration
type SessionManager struct {
	// Session management
	documents  map[string]map[*Session]bool // documentID -> set of sessions
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	// Replicas
	rooms           map[string]*Room
	roomsMu         sync.Mutex
	historyCapacity int
	snapshotEvery   int

	persister Persister
	relay     Relay

	// Control
	done      chan struct{}
	closeOnce sync.Once
}

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound messages
	Manager *SessionManager
	Room    *Room

	// Room sequence the last snapshot sent to this session reflects;
	// queued ops at or below it are already part of that snapshot
	snapshotSeq atomic.Int64
	lastActive  atomic.Int64

	// Set under Manager.mu before Send is closed
	closed bool
}

// BroadcastMessage represents a message to broadcast to a document room
type BroadcastMessage struct {
	DocumentID string
	Message    []byte
	Sender     *Session // Skip this session when broadcasting
	Ack        []byte   // sent to Sender instead, if set
	Seq        int64    // room sequence of an op frame, 0 for presence
}

// NewSessionManager creates a new session manager
func NewSessionManager(historyCapacity, snapshotEvery int) *SessionManager {
	if snapshotEvery < 1 {
		snapshotEvery = 1
	}
	return &SessionManager{
		documents:       make(map[string]map[*Session]bool),
		unregister:      make(chan *Session),
		broadcast:       make(chan *BroadcastMessage, 256),
		rooms:           make(map[string]*Room),
		historyCapacity: historyCapacity,
		snapshotEvery:   snapshotEvery,
		done:            make(chan struct{}),
	}
}

// SetPersister sets where rooms load from and write to
func (sm *SessionManager) SetPersister(p Persister) {
	sm.persister = p
}

// SetRelay sets the cross-instance relay
func (sm *SessionManager) SetRelay(r Relay) {
	sm.relay = r
}

// Start begins the session manager event loop
// Learning: This goroutine handles all session events concurrently
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting WebSocket session manager...")

	go func() {
		for {
			select {
			case <-sm.done:
				log.Println("Session manager shutting down...")
				return

			case session := <-sm.unregister:
				sm.handleUnregister(session)

			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	// Start cleanup goroutine
	go sm.cleanupLoop()

	log.Println("✓ WebSocket session manager started")
}

// Room returns the loaded room of documentID, restoring it from the
// persister the first time it is asked for
func (sm *SessionManager) Room(ctx context.Context, documentID string) (*Room, error) {
	select {
	case <-sm.done:
		return nil, ErrShuttingDown
	default:
	}

	sm.roomsMu.Lock()
	defer sm.roomsMu.Unlock()

	if room, ok := sm.rooms[documentID]; ok {
		return room, nil
	}

	ctx, span := middleware.StartSpan(ctx, "SessionManager.LoadRoom",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	room := newRoom(documentID, sm.historyCapacity, sm.snapshotEvery, sm.persister)
	if err := room.restore(ctx); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}

	sm.rooms[documentID] = room
	telemetry.ActiveRooms.Inc()
	return room, nil
}

// Register adds a session to its document room and sends it the replica's
// current state
func (sm *SessionManager) Register(session *Session) error {
	select {
	case <-sm.done:
		return ErrShuttingDown
	default:
	}

	var total int
	session.Room.withSnapshot(func(snap *models.Message, seq int64) {
		// Queued ops up to seq are part of snap
		session.snapshotSeq.Store(seq)
		session.sendMessage(snap)

		sm.mu.Lock()
		if sm.documents[session.DocumentID] == nil {
			sm.documents[session.DocumentID] = make(map[*Session]bool)
		}
		sm.documents[session.DocumentID][session] = true
		total = len(sm.documents[session.DocumentID])
		sm.mu.Unlock()
	})

	telemetry.ActiveSessions.Inc()
	log.Printf("  Session %s (peer %s) joined document %s (total: %d peers)",
		session.ID, session.PeerID, session.DocumentID, total)

	// Send join notification to other peers
	joinMsg, _ := (&models.Message{Type: models.MessageTypeJoin, PeerID: session.PeerID}).Encode()
	sm.Broadcast(session.DocumentID, joinMsg, session)
	return nil
}

// handleUnregister removes a session from a document room
func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.documents[session.DocumentID]
	if !ok || !sessions[session] {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	session.closed = true
	close(session.Send)
	remaining := len(sessions)
	if remaining == 0 {
		delete(sm.documents, session.DocumentID)
	}
	sm.mu.Unlock()

	telemetry.ActiveSessions.Dec()
	log.Printf("  Session %s left document %s (remaining: %d peers)",
		session.ID, session.DocumentID, remaining)

	// Send leave notification
	leaveMsg, _ := (&models.Message{Type: models.MessageTypeLeave, PeerID: session.PeerID}).Encode()
	sm.handleBroadcast(&BroadcastMessage{
		DocumentID: session.DocumentID,
		Message:    leaveMsg,
	})
}

// handleBroadcast sends a message to all sessions in a document
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	for _, session := range sm.GetSessions(msg.DocumentID) {
		data := msg.Message
		if msg.Sender != nil && session == msg.Sender {
			if msg.Ack == nil {
				continue
			}
			data = msg.Ack
		}
		if msg.Seq > 0 && msg.Seq <= session.snapshotSeq.Load() {
			continue
		}

		select {
		case session.Send <- data:
			// Message queued successfully
		default:
			// Buffer full - connection is slow/dead
			log.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
			sm.handleUnregister(session)
		}
	}
}

// Broadcast queues a message for all sessions of a document except sender
func (sm *SessionManager) Broadcast(documentID string, message []byte, sender *Session) {
	sm.enqueue(&BroadcastMessage{
		DocumentID: documentID,
		Message:    message,
		Sender:     sender,
	})
}

func (sm *SessionManager) enqueue(msg *BroadcastMessage) {
	select {
	case sm.broadcast <- msg:
	case <-sm.done:
	}
}

func (sm *SessionManager) requestUnregister(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.done:
	}
}

// GetSessions returns all active sessions for a document
func (sm *SessionManager) GetSessions(documentID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.documents[documentID]
	result := make([]*Session, 0, len(sessions))

	for session := range sessions {
		result = append(result, session)
	}

	return result
}

// ApplyOp reconciles an op frame from sender into the room's replica,
// relays the applied op to the other sessions and acknowledges it to sender.
// It returns the applied op, or nil when the replica could not place the op
// and the sender was sent a snapshot instead.
func (sm *SessionManager) ApplyOp(ctx context.Context, room *Room, msg *models.Message, sender *Session) (*models.Message, error) {
	ctx, span := middleware.StartSpan(ctx, "SessionManager.ApplyOp",
		attribute.String("document.id", room.ID),
		attribute.String("op.revision", string(msg.Revision)),
	)
	defer span.End()

	if sender != nil && msg.PeerID == "" {
		msg.PeerID = sender.PeerID
	}

	var result *models.Message
	var frame []byte
	applied, err := room.ApplyRemote(msg, telemetry.SourceRemote, func(out *models.Message, seq int64) {
		result = out
		var err error
		if frame, err = out.Encode(); err != nil {
			log.Printf("Failed to encode op of %s: %v", room.ID, err)
			return
		}
		ack, err := models.NewAckMessage(out.PeerID, out.Op, out.Revision).Encode()
		if err != nil {
			log.Printf("Failed to encode ack of %s: %v", room.ID, err)
			return
		}
		sm.enqueue(&BroadcastMessage{DocumentID: room.ID, Message: frame, Sender: sender, Ack: ack, Seq: seq})
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	if !applied {
		telemetry.Resyncs.WithLabelValues("replica").Inc()
		span.SetAttributes(attribute.Bool("op.resync", true))
		if sender != nil {
			sender.sendSnapshot()
		}
		return nil, nil
	}

	if frame != nil {
		sm.publish(ctx, room.ID, frame)
	}
	return result, nil
}

// Insert edits a document on the hub and relays the resulting op
func (sm *SessionManager) Insert(ctx context.Context, documentID string, index int, text, peerID string) (RoomState, error) {
	room, err := sm.Room(ctx, documentID)
	if err != nil {
		return RoomState{}, err
	}
	if err := room.Insert(index, text, peerID, sm.relayLocal(ctx, documentID)); err != nil {
		return RoomState{}, err
	}
	return room.State(), nil
}

// Delete removes visible characters of a document on the hub and relays the
// resulting op
func (sm *SessionManager) Delete(ctx context.Context, documentID string, index, count int, peerID string) (RoomState, error) {
	room, err := sm.Room(ctx, documentID)
	if err != nil {
		return RoomState{}, err
	}
	if err := room.Delete(index, count, peerID, sm.relayLocal(ctx, documentID)); err != nil {
		return RoomState{}, err
	}
	return room.State(), nil
}

// SubmitOp applies an op frame posted over HTTP. The returned ack holds the
// op as applied and the revision it was applied on; it is nil when the
// replica no longer knows msg.Revision.
func (sm *SessionManager) SubmitOp(ctx context.Context, documentID string, msg *models.Message) (RoomState, *models.Message, error) {
	room, err := sm.Room(ctx, documentID)
	if err != nil {
		return RoomState{}, nil, err
	}
	applied, err := sm.ApplyOp(ctx, room, msg, nil)
	if err != nil || applied == nil {
		return RoomState{}, nil, err
	}
	return room.State(), models.NewAckMessage(applied.PeerID, applied.Op, applied.Revision), nil
}

// Snapshot returns the full replica state of a document
func (sm *SessionManager) Snapshot(ctx context.Context, documentID string) (*models.Message, error) {
	room, err := sm.Room(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snap, _ := room.Snapshot()
	return snap, nil
}

// DocumentState returns the visible text and revision window of a document
func (sm *SessionManager) DocumentState(ctx context.Context, documentID string) (RoomState, error) {
	room, err := sm.Room(ctx, documentID)
	if err != nil {
		return RoomState{}, err
	}
	return room.State(), nil
}

// Evict drops the loaded replica of a document and disconnects its sessions
func (sm *SessionManager) Evict(documentID string) {
	sm.roomsMu.Lock()
	room, ok := sm.rooms[documentID]
	delete(sm.rooms, documentID)
	sm.roomsMu.Unlock()
	if !ok {
		return
	}
	telemetry.ActiveRooms.Dec()

	for _, session := range sm.GetSessions(documentID) {
		session.Conn.Close()
	}
	log.Printf("  Evicted document %s", room.ID)
}

// HandleRelayed applies a frame published by another hub instance.
// It has the relay.Handler signature.
func (sm *SessionManager) HandleRelayed(documentID string, payload []byte) {
	msg, err := models.DecodeMessage(payload)
	if err != nil || msg.Type != models.MessageTypeOp {
		log.Printf("⚠️  Ignoring relayed frame for %s", documentID)
		return
	}
	room, err := sm.Room(context.Background(), documentID)
	if err != nil {
		log.Printf("⚠️  Relayed op for %s: %v", documentID, err)
		return
	}

	applied, err := room.ApplyRemote(msg, telemetry.SourceRelay, func(out *models.Message, seq int64) {
		frame, err := out.Encode()
		if err != nil {
			log.Printf("Failed to encode op of %s: %v", documentID, err)
			return
		}
		sm.enqueue(&BroadcastMessage{DocumentID: documentID, Message: frame, Seq: seq})
	})
	switch {
	case err != nil:
		log.Printf("⚠️  Relayed op for %s rejected: %v", documentID, err)
	case !applied:
		log.Printf("⚠️  Relayed op for %s is based on unknown revision %s", documentID, msg.Revision)
	}
}

func (sm *SessionManager) relayLocal(ctx context.Context, documentID string) func(*models.Message, int64) {
	return func(msg *models.Message, seq int64) {
		frame, err := msg.Encode()
		if err != nil {
			log.Printf("Failed to encode op of %s: %v", documentID, err)
			return
		}
		sm.enqueue(&BroadcastMessage{DocumentID: documentID, Message: frame, Seq: seq})
		sm.publish(ctx, documentID, frame)
	}
}

func (sm *SessionManager) publish(ctx context.Context, documentID string, frame []byte) {
	if sm.relay == nil {
		return
	}
	if err := sm.relay.Publish(ctx, documentID, frame); err != nil {
		log.Printf("⚠️  Failed to relay op of %s: %v", documentID, err)
	}
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup removes stale sessions
func (sm *SessionManager) cleanup() {
	now := time.Now()

	sm.mu.RLock()
	var stale []*Session
	for _, sessions := range sm.documents {
		for session := range sessions {
			if now.Sub(session.LastActive()) > sessionTimeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID)
		sm.requestUnregister(session)
	}
}

// Shutdown snapshots every room and closes all connections
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	sm.closeOnce.Do(func() { close(sm.done) })

	sm.roomsMu.Lock()
	for _, room := range sm.rooms {
		room.Flush()
	}
	sm.roomsMu.Unlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Close all sessions; their write pumps stop on done
	for _, sessions := range sm.documents {
		for session := range sessions {
			session.Conn.Close()
			telemetry.ActiveSessions.Dec()
		}
	}

	sm.documents = make(map[string]map[*Session]bool)
	log.Println("✓ Session manager shutdown complete")
}

// Session methods

// NewSession creates a session of peerID on room
func NewSession(manager *SessionManager, room *Room, conn *websocket.Conn, peerID string) *Session {
	s := &Session{
		Session: models.NewSession(room.ID, peerID),
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		Manager: manager,
		Room:    room,
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the peer was last heard from
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// sendMessage queues msg for this session only. It runs on the session's
// read goroutine; holding Manager.mu keeps the loop from closing Send
// underneath the send.
func (s *Session) sendMessage(msg *models.Message) {
	data, err := msg.Encode()
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	s.Manager.mu.RLock()
	defer s.Manager.mu.RUnlock()
	if s.closed {
		log.Printf("  Session %s closed before %s message", s.ID, msg.Type)
		return
	}
	select {
	case s.Send <- data:
	default:
		log.Printf("⚠️  Session %s buffer full, dropping %s message", s.ID, msg.Type)
	}
}

// sendSnapshot sends the room's current state so the peer can resync
func (s *Session) sendSnapshot() {
	s.Room.withSnapshot(func(snap *models.Message, seq int64) {
		s.snapshotSeq.Store(seq)
		s.sendMessage(snap)
	})
}

// ReadPump reads messages from the WebSocket connection
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.requestUnregister(s)
		s.Conn.Close()
	}()

	// Set read deadline
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.touch()
		s.handleMessage(ctx, message)
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	// Add span for message processing
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", s.ID),
		attribute.String("document.id", s.DocumentID),
		attribute.Int("message.size", len(data)),
	)
	defer span.End()

	msg, err := models.DecodeMessage(data)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		s.sendMessage(models.NewErrorMessage(fmt.Errorf("malformed message: %w", err)))
		return
	}
	span.SetAttributes(attribute.String("message.type", string(msg.Type)))

	switch msg.Type {
	case models.MessageTypeOp:
		if _, err := s.Manager.ApplyOp(ctx, s.Room, msg, s); err != nil {
			s.sendMessage(models.NewErrorMessage(err))
		}
	case models.MessageTypeResync:
		telemetry.Resyncs.WithLabelValues("peer").Inc()
		s.sendSnapshot()
	default:
		s.sendMessage(models.NewErrorMessage(fmt.Errorf("unsupported message type %q", msg.Type)))
	}
}

// WritePump writes messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case <-s.Manager.done:
			return

		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message: every frame is a single JSON document
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
