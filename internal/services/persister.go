package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"otp2p/internal/document"
	"otp2p/internal/history"
	"otp2p/internal/middleware"
	"otp2p/internal/models"
	"otp2p/internal/ot"
	"otp2p/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: SHARDED WORKER POOL

Hub replicas must not wait on the database while they hold a document lock,
so every write is queued and handled by a fixed pool of workers.

Unlike a plain pool sharing one queue, each worker owns its own queue and a
document always hashes to the same worker:

  doc "notes"  -> fnv("notes") % 4 = 1 -> worker 1
  doc "readme" -> fnv("readme") % 4 = 3 -> worker 3

Jobs of one document are therefore written in the order they were
submitted, which the op log relies on when it is replayed, while different
documents are still written concurrently.
*/

// ErrPersisterClosed is returned by SubmitJob after Shutdown
var ErrPersisterClosed = errors.New("persister is shutting down")

// PersistKind says what a job writes
type PersistKind int

const (
	// PersistOp appends one applied op to the op log
	PersistOp PersistKind = iota + 1
	// PersistSnapshot stores a replica snapshot and updates the registry
	PersistSnapshot
)

// PersistJob is a single write for a document
type PersistJob struct {
	Kind       PersistKind
	DocumentID string

	// PersistOp
	Revision history.ID
	Parent   history.ID
	Op       ot.Op
	PeerID   string

	// PersistSnapshot
	Model   []ot.Segment
	History history.Snapshot
	State   models.DocumentState
}

// PersisterImpl writes op records and snapshots with a sharded worker pool
// This is the IMPLEMENTATION - the collaboration package defines what interface it needs
type PersisterImpl struct {
	opRepo   OpRepository
	snapRepo SnapshotRepository
	docRepo  DocumentRepository
	keep     int // snapshots retained per document

	// Worker pool components
	queues []chan PersistJob // one queue per worker
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against concurrent SubmitJob
	closed bool
}

// NewPersister creates a new persister with numWorkers queues of queueSize
// Returns concrete type - "Accept interfaces, return structs"
func NewPersister(
	opRepo OpRepository,
	snapRepo SnapshotRepository,
	docRepo DocumentRepository,
	numWorkers int,
	queueSize int,
	keepSnapshots int,
) *PersisterImpl {
	if numWorkers < 1 {
		numWorkers = 1
	}
	queues := make([]chan PersistJob, numWorkers)
	for i := range queues {
		queues[i] = make(chan PersistJob, queueSize)
	}
	return &PersisterImpl{
		opRepo:   opRepo,
		snapRepo: snapRepo,
		docRepo:  docRepo,
		keep:     keepSnapshots,
		queues:   queues,
	}
}

// Start spawns one worker per queue
func (p *PersisterImpl) Start() {
	log.Printf("🔧 Starting persistence worker pool with %d workers", len(p.queues))

	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Println("✓ Persistence worker pool started")
}

// worker drains its queue until Shutdown closes it
func (p *PersisterImpl) worker(id int) {
	defer p.wg.Done()

	for job := range p.queues[id] {
		telemetry.PersistQueueLength.Dec()
		if err := p.process(context.Background(), job); err != nil {
			log.Printf("❌ Persist worker %d: document %s: %v", id, job.DocumentID, err)
		}
	}
}

// SubmitJob queues a job on the worker that owns its document
// Learning: blocks while that queue is full (backpressure)
func (p *PersisterImpl) SubmitJob(job PersistJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPersisterClosed
	}
	telemetry.PersistQueueLength.Inc()
	p.queues[p.shard(job.DocumentID)] <- job
	return nil
}

func (p *PersisterImpl) shard(documentID string) int {
	h := fnv.New32a()
	h.Write([]byte(documentID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *PersisterImpl) process(ctx context.Context, job PersistJob) error {
	ctx, span := middleware.StartSpan(ctx, "Persister.Process",
		attribute.String("document.id", job.DocumentID),
		attribute.Int("job.kind", int(job.Kind)),
	)
	defer span.End()

	var err error
	switch job.Kind {
	case PersistOp:
		err = p.opRepo.Append(ctx, job.DocumentID, job.Revision, job.Parent, job.Op, job.PeerID)
	case PersistSnapshot:
		err = p.saveSnapshot(ctx, job)
	default:
		err = fmt.Errorf("unknown persist job kind %d", job.Kind)
	}
	middleware.AddSpanError(ctx, err)
	return err
}

func (p *PersisterImpl) saveSnapshot(ctx context.Context, job PersistJob) error {
	if err := p.snapRepo.Save(ctx, job.DocumentID, job.Model, job.History); err != nil {
		return err
	}
	telemetry.SnapshotsSaved.Inc()

	if err := p.snapRepo.Prune(ctx, job.DocumentID, p.keep); err != nil {
		log.Printf("⚠️  Failed to prune snapshots of %s: %v", job.DocumentID, err)
	}
	if err := p.docRepo.UpdateState(ctx, job.DocumentID, job.State); err != nil {
		return fmt.Errorf("failed to update registry: %w", err)
	}
	return nil
}

// Restore loads the newest snapshot of documentID into doc and replays the
// ops logged after it. It returns the number of replayed ops.
// Learning: reads are synchronous; only writes go through the pool
func (p *PersisterImpl) Restore(ctx context.Context, documentID string, doc *document.Document) (int, error) {
	ctx, span := middleware.StartSpan(ctx, "Persister.Restore",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	if err := p.docRepo.Ensure(ctx, documentID); err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, err
	}

	model, hist, found, err := p.snapRepo.Latest(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, err
	}
	if found {
		if err := doc.ImportModel(model); err != nil {
			return 0, err
		}
		if err := doc.ImportHistory(hist); err != nil {
			return 0, err
		}
		middleware.AddSpanEvent(ctx, "snapshot.loaded", attribute.String("head", string(doc.LastOp())))
	}

	records, err := p.opRepo.Since(ctx, documentID, doc.LastOp())
	if err != nil {
		// The snapshot is still usable on its own
		log.Printf("⚠️  Could not read op log of %s after %s: %v", documentID, doc.LastOp(), err)
		return 0, nil
	}

	replayed := 0
	for _, record := range records {
		if history.ID(record.Parent) != doc.LastOp() {
			log.Printf("⚠️  Op log of %s branches at %s, stopping replay", documentID, record.Revision)
			break
		}
		var op ot.Op
		if err := json.Unmarshal(record.Op, &op); err != nil {
			return replayed, fmt.Errorf("failed to decode op %s: %w", record.ID, err)
		}
		if err := doc.RemoteOp(doc.LastOp(), op); err != nil {
			return replayed, fmt.Errorf("failed to replay op %s: %w", record.ID, err)
		}
		replayed++
	}

	span.SetAttributes(attribute.Int("ops.replayed", replayed))
	return replayed, nil
}

// Shutdown stops accepting jobs and waits until every queued job is written
func (p *PersisterImpl) Shutdown() {
	log.Println("🛑 Shutting down persister...")

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	p.wg.Wait()

	log.Println("✓ Persister shutdown complete")
}

// GetQueueLength returns the number of pending jobs across all workers
func (p *PersisterImpl) GetQueueLength() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
