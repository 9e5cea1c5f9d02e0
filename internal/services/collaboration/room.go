package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"otp2p/internal/document"
	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"
	"otp2p/internal/services"
	"otp2p/internal/telemetry"
)

/*
LEARNING: THE HUB AS ONE MORE PEER

The hub keeps its own replica of every open document and reconciles each
incoming op exactly like a peer would. That gives it:
1. A state to hand to peers that join late or fall out of the history window
2. Something to snapshot and persist
3. One order of ops that every peer follows

The replica's revision chain is the document's history. Peers send ops based
on the last hub revision they know; the hub relays the op as it applied it,
based on its previous head, and acknowledges the sender with the same pair:

  hub: h1 ──A's op──▶ h2 ──B's op (made on h1, transformed)──▶ h3
  A gets: ack {op_A, h1}        then op {op_B', h2}
  B gets: op {op_A, h1}         then ack {op_B', h2}

Both end at h3 because they applied the same ops on the same parents.
*/

// Persister defines what rooms need from the persistence layer
type Persister interface {
	SubmitJob(job services.PersistJob) error
	Restore(ctx context.Context, documentID string, doc *document.Document) (int, error)
}

// RoomState is a read-only view of a replica
type RoomState struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Length int        `json:"length"`
	Head   history.ID `json:"head"`
	Tail   history.ID `json:"tail"`
	Seq    int64      `json:"seq"`
}

// Room is one document served by the hub
type Room struct {
	ID string

	mu            sync.Mutex
	doc           *document.Document
	seq           int64 // ops applied since the room was loaded
	snapshotEvery int
	sinceSnapshot int
	applied       int64 // ops applied since the last registry update
	persister     Persister

	// written by onEvent while mu is held
	resync    bool
	broadcast *document.Event
}

func newRoom(id string, historyCapacity, snapshotEvery int, persister Persister) *Room {
	r := &Room{
		ID:            id,
		snapshotEvery: snapshotEvery,
		persister:     persister,
	}
	r.doc = document.New("",
		document.WithHistoryCapacity(historyCapacity),
		document.WithListener(r.onEvent),
	)
	return r
}

func (r *Room) onEvent(ev document.Event) {
	switch ev.Kind {
	case document.EventResync:
		r.resync = true
	case document.EventBroadcast:
		r.broadcast = &ev
	}
}

// restore loads persisted state into a fresh replica
func (r *Room) restore(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	replayed, err := r.persister.Restore(ctx, r.ID, r.doc)
	if err != nil {
		return err
	}
	log.Printf("  Restored document %s at %s (%d ops replayed)", r.ID, r.doc.LastOp(), replayed)
	return nil
}

// ApplyRemote reconciles an op sent by a peer or another hub instance.
// It reports false when the replica no longer knows msg.Revision. onApplied
// gets the op as applied, based on the previous head, and runs before the
// room is unlocked, so callers that enqueue broadcasts from it keep them in
// application order.
func (r *Room) ApplyRemote(msg *models.Message, source string, onApplied func(applied *models.Message, seq int64)) (bool, error) {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.resync = false
	parent := r.doc.LastOp()
	if err := r.doc.RemoteOp(msg.Revision, msg.Op); err != nil {
		telemetry.OpsRejected.WithLabelValues("invalid").Inc()
		return false, err
	}
	if r.resync {
		telemetry.OpsRejected.WithLabelValues("unknown_revision").Inc()
		return false, nil
	}

	head := r.doc.LastOp()
	rev, _ := r.doc.Revision(head)
	r.record(head, parent, rev.Op, msg.PeerID)

	telemetry.OpApplyDuration.Observe(time.Since(start).Seconds())
	telemetry.OpsApplied.WithLabelValues(source).Inc()

	if onApplied != nil {
		onApplied(models.NewOpMessage(msg.PeerID, rev.Op, parent), r.seq)
	}
	return true, nil
}

// Insert edits the replica directly and returns the op frame to relay
func (r *Room) Insert(index int, text, peerID string, onApplied func(msg *models.Message, seq int64)) error {
	return r.local(peerID, func() error { return r.doc.Insert(index, text) }, onApplied)
}

// Delete edits the replica directly and returns the op frame to relay
func (r *Room) Delete(index, count int, peerID string, onApplied func(msg *models.Message, seq int64)) error {
	return r.local(peerID, func() error { return r.doc.Delete(index, count) }, onApplied)
}

func (r *Room) local(peerID string, edit func() error, onApplied func(msg *models.Message, seq int64)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcast = nil
	if err := edit(); err != nil {
		return err
	}
	ev := r.broadcast
	if ev == nil {
		return errors.New("local edit produced no broadcast")
	}

	r.record(r.doc.LastOp(), ev.Revision, ev.Op, peerID)
	telemetry.OpsApplied.WithLabelValues(telemetry.SourceLocal).Inc()

	if onApplied != nil {
		onApplied(models.NewOpMessage(peerID, ev.Op, ev.Revision), r.seq)
	}
	return nil
}

// record bumps the sequence and queues persistence; mu must be held
func (r *Room) record(revision, parent history.ID, op ot.Op, peerID string) {
	r.seq++
	r.applied++
	r.sinceSnapshot++

	if r.persister == nil {
		return
	}
	err := r.persister.SubmitJob(services.PersistJob{
		Kind:       services.PersistOp,
		DocumentID: r.ID,
		Revision:   revision,
		Parent:     parent,
		Op:         op,
		PeerID:     peerID,
	})
	if err != nil {
		log.Printf("⚠️  Failed to queue op %s of %s: %v", revision, r.ID, err)
	}
	if r.sinceSnapshot >= r.snapshotEvery {
		r.saveSnapshot()
	}
}

// saveSnapshot queues a snapshot job; mu must be held
func (r *Room) saveSnapshot() {
	if r.persister == nil {
		return
	}
	err := r.persister.SubmitJob(services.PersistJob{
		Kind:       services.PersistSnapshot,
		DocumentID: r.ID,
		Model:      r.doc.ExportModel(),
		History:    r.doc.ExportHistory(),
		State: models.DocumentState{
			Head:    string(r.doc.LastOp()),
			Length:  utf8.RuneCountInString(r.doc.Get()),
			Applied: r.applied,
		},
	})
	if err != nil {
		log.Printf("⚠️  Failed to queue snapshot of %s: %v", r.ID, err)
		return
	}
	r.sinceSnapshot = 0
	r.applied = 0
}

// Flush queues a snapshot if anything changed since the last one
func (r *Room) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sinceSnapshot > 0 {
		r.saveSnapshot()
	}
}

// Snapshot returns the replica's state as a snapshot frame and the sequence
// number it reflects
func (r *Room) Snapshot() (*models.Message, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return models.NewSnapshotMessage(r.doc.ExportModel(), r.doc.ExportHistory()), r.seq
}

// withSnapshot calls fn with a snapshot while no op can be applied
func (r *Room) withSnapshot(fn func(snap *models.Message, seq int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(models.NewSnapshotMessage(r.doc.ExportModel(), r.doc.ExportHistory()), r.seq)
}

// State returns the replica's visible text and revision window
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := r.doc.Get()
	return RoomState{
		ID:     r.ID,
		Text:   text,
		Length: utf8.RuneCountInString(text),
		Head:   r.doc.LastOp(),
		Tail:   r.doc.FirstOp(),
		Seq:    r.seq,
	}
}
