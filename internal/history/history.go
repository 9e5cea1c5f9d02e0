// Package history keeps a bounded, append-only log of the operations applied
// to a document. Revisions are chained through parent and child links so a
// peer can ask for everything applied after the revision another peer based
// an edit on.
package history

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"otp2p/internal/ot"
)

var (
	// ErrDuplicateRevision is returned by Push when the minted id is already
	// retained.
	ErrDuplicateRevision = errors.New("revision already exists")
	// ErrInvalidSnapshot is returned by Import for snapshots whose links,
	// length or endpoints do not describe a single chain.
	ErrInvalidSnapshot = errors.New("invalid history snapshot")
)

// ID names a revision.
type ID string

// Root is the revision before all history. It encodes as JSON null.
const Root ID = ""

// MarshalJSON encodes Root as null.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == Root {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON decodes null as Root.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = Root
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode revision id: %w", err)
	}
	*id = ID(s)
	return nil
}

// Revision is one applied operation and its neighbours in the chain.
type Revision struct {
	Op     ot.Op `json:"data"`
	Parent ID    `json:"parent"`
	Child  ID    `json:"child"`
}

// Snapshot is the portable form of a History.
type Snapshot struct {
	Model  map[ID]Revision `json:"model"`
	Length int             `json:"length"`
	Head   ID              `json:"head"`
	Tail   ID              `json:"tail"`
}

// History is a FIFO-bounded revision chain. It is not safe for concurrent use.
type History struct {
	capacity  int
	revisions map[ID]Revision
	head      ID
	tail      ID
}

// New returns an empty history retaining at most capacity revisions. A
// capacity of zero or less keeps every revision.
func New(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{
		capacity:  capacity,
		revisions: make(map[ID]Revision),
	}
}

// Head returns the newest revision, or Root when the history is empty.
func (h *History) Head() ID { return h.head }

// Tail returns the oldest retained revision, or Root when the history is empty.
func (h *History) Tail() ID { return h.tail }

// Len returns the number of retained revisions.
func (h *History) Len() int { return len(h.revisions) }

// Capacity returns the retention bound, zero meaning unbounded.
func (h *History) Capacity() int { return h.capacity }

// Push records op as the new head and returns its id. The oldest revision is
// evicted once the capacity is exceeded.
func (h *History) Push(op ot.Op) (ID, error) {
	id, err := revisionID(op, h.head)
	if err != nil {
		return Root, err
	}
	if _, exists := h.revisions[id]; exists {
		return Root, fmt.Errorf("%w: %s", ErrDuplicateRevision, id)
	}

	h.revisions[id] = Revision{Op: cloneOp(op), Parent: h.head}
	if prev, ok := h.revisions[h.head]; ok {
		prev.Child = id
		h.revisions[h.head] = prev
	}
	if h.tail == Root {
		h.tail = id
	}
	h.head = id

	if h.capacity > 0 {
		for len(h.revisions) > h.capacity {
			h.evict()
		}
	}
	return id, nil
}

func (h *History) evict() {
	oldest := h.revisions[h.tail]
	delete(h.revisions, h.tail)
	h.tail = oldest.Child
	if h.tail == Root {
		h.head = Root
	}
}

// Revision returns the revision stored under id.
func (h *History) Revision(id ID) (Revision, bool) {
	rev, ok := h.revisions[id]
	if !ok {
		return Revision{}, false
	}
	rev.Op = cloneOp(rev.Op)
	return rev, true
}

// Sequence returns the ops applied strictly after parent, oldest first. It
// reports false when parent is no longer retained. Root yields every retained
// op.
func (h *History) Sequence(parent ID) ([]ot.Op, bool) {
	next := h.tail
	if parent != Root {
		rev, ok := h.revisions[parent]
		if !ok {
			return nil, false
		}
		next = rev.Child
	}

	var ops []ot.Op
	for next != Root {
		rev := h.revisions[next]
		ops = append(ops, cloneOp(rev.Op))
		next = rev.Child
	}
	return ops, true
}

// Export dumps the retained chain.
func (h *History) Export() Snapshot {
	model := make(map[ID]Revision, len(h.revisions))
	for id, rev := range h.revisions {
		rev.Op = cloneOp(rev.Op)
		model[id] = rev
	}
	return Snapshot{
		Model:  model,
		Length: len(h.revisions),
		Head:   h.head,
		Tail:   h.tail,
	}
}

// Import replaces the history with snap. The chain is validated before
// anything is replaced, and trimmed from the tail if it exceeds the capacity.
func (h *History) Import(snap Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}

	revisions := make(map[ID]Revision, len(snap.Model))
	for id, rev := range snap.Model {
		rev.Op = cloneOp(rev.Op)
		revisions[id] = rev
	}
	h.revisions = revisions
	h.head = snap.Head
	h.tail = snap.Tail

	if h.capacity > 0 {
		for len(h.revisions) > h.capacity {
			h.evict()
		}
	}
	return nil
}

func validate(snap Snapshot) error {
	if snap.Length != len(snap.Model) {
		return fmt.Errorf("%w: length %d but %d revisions", ErrInvalidSnapshot, snap.Length, len(snap.Model))
	}
	if snap.Length == 0 {
		if snap.Head != Root || snap.Tail != Root {
			return fmt.Errorf("%w: empty history with a head or tail", ErrInvalidSnapshot)
		}
		return nil
	}

	if _, ok := snap.Model[snap.Tail]; !ok {
		return fmt.Errorf("%w: tail %s is missing", ErrInvalidSnapshot, snap.Tail)
	}
	if _, ok := snap.Model[snap.Head]; !ok {
		return fmt.Errorf("%w: head %s is missing", ErrInvalidSnapshot, snap.Head)
	}

	seen, prev := 0, Root
	for id := snap.Tail; id != Root; {
		rev, ok := snap.Model[id]
		if !ok {
			return fmt.Errorf("%w: revision %s is missing", ErrInvalidSnapshot, id)
		}
		if prev != Root && rev.Parent != prev {
			return fmt.Errorf("%w: revision %s has parent %s, expected %s", ErrInvalidSnapshot, id, rev.Parent, prev)
		}
		if err := ot.Check(rev.Op); err != nil {
			return fmt.Errorf("%w: revision %s: %v", ErrInvalidSnapshot, id, err)
		}
		seen++
		if seen > snap.Length {
			return fmt.Errorf("%w: chain from tail does not end", ErrInvalidSnapshot)
		}
		prev, id = id, rev.Child
	}
	if prev != snap.Head {
		return fmt.Errorf("%w: chain from tail ends at %s, not head %s", ErrInvalidSnapshot, prev, snap.Head)
	}
	if seen != snap.Length {
		return fmt.Errorf("%w: chain holds %d of %d revisions", ErrInvalidSnapshot, seen, snap.Length)
	}
	return nil
}

// revisionID hashes the op's wire form together with its parent, so peers
// that apply the same op on top of the same revision mint the same id.
func revisionID(op ot.Op, parent ID) (ID, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return Root, fmt.Errorf("failed to encode op: %w", err)
	}
	sum := sha256.New()
	sum.Write(data)
	sum.Write([]byte{0})
	sum.Write([]byte(parent))
	return ID(hex.EncodeToString(sum.Sum(nil))), nil
}

func cloneOp(op ot.Op) ot.Op {
	if op == nil {
		return nil
	}
	out := make(ot.Op, len(op))
	copy(out, op)
	return out
}
