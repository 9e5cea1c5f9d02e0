// Package document holds a collaboratively edited plain-text document: its
// tombstone model, the cached view and the revision history, together with
// the protocol that reconciles operations made by other peers.
package document

import (
	"fmt"
	"unicode/utf8"

	"otp2p/internal/history"
	"otp2p/internal/ot"
	"otp2p/internal/tombstone"
)

/*
LEARNING: RECONCILING REMOTE OPS

Every op a peer broadcasts carries the revision that was head when the op was
made. A receiver whose head is that revision applies the op as is. Otherwise
it transforms the incoming op past everything it applied since that
revision, one op at a time:

  peer A: insert "abc"   (r1)   insert "hij" at 3   (r2)
  peer B: insert "abc"   (r1)   insert "def" at 3   -> broadcast {op, r1}

  A receives {[3, insert "def"], r1}
    ops after r1 = [3, insert "hij"]
    op'   = transform(op, [3, insert "hij"], left) = [3, insert "def", 3]
    view  = "abcdefhij"

Both peers use the left side. Inserts that land on the same position are
ordered by their content ("def" before "hij"), so B, which reconciles A's
"hij" against its own "def", puts them in the same order.

When the revision has been evicted from the bounded history the op cannot be
placed. The document then emits a resync event and leaves its state alone.
*/

// DefaultHistoryCapacity is the number of revisions a document keeps unless
// WithHistoryCapacity says otherwise.
const DefaultHistoryCapacity = 100

// EventKind identifies a document notification.
type EventKind uint8

const (
	// EventInsert reports text inserted into the view.
	EventInsert EventKind = iota + 1
	// EventDelete reports characters removed from the view.
	EventDelete
	// EventBroadcast carries a local op and its base revision for other peers.
	EventBroadcast
	// EventResync reports a remote op whose base revision is no longer known.
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventDelete:
		return "delete"
	case EventBroadcast:
		return "broadcast"
	case EventResync:
		return "resync"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a notification emitted after a change has been committed.
// Index, Text and Count are in view coordinates. Op and Revision are set for
// broadcasts; Revision is also set on resync to the revision that was missing.
type Event struct {
	Kind     EventKind
	Index    int
	Text     string
	Count    int
	Op       ot.Op
	Revision history.ID
}

// Listener receives document events. Listeners run synchronously and must not
// call back into the document that invoked them.
type Listener func(Event)

// Option configures a Document.
type Option func(*options)

type options struct {
	capacity  int
	listeners []Listener
}

// WithHistoryCapacity bounds the number of retained revisions. Zero keeps
// every revision.
func WithHistoryCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithListener registers fn before the document is used.
func WithListener(fn Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, fn) }
}

// Document is a single-writer collaborative text document. It does no
// locking; callers sharing one between goroutines must serialize access.
type Document struct {
	model     *ot.Model
	view      string
	history   *history.History
	listeners []Listener
}

// New creates a document holding text and an empty history.
func New(text string, opts ...Option) *Document {
	o := options{capacity: DefaultHistoryCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	model := ot.Create(text)
	return &Document{
		model:     model,
		view:      model.Text(),
		history:   history.New(o.capacity),
		listeners: o.listeners,
	}
}

// Listen registers fn for every subsequent event.
func (d *Document) Listen(fn Listener) {
	d.listeners = append(d.listeners, fn)
}

// Get returns the visible text.
func (d *Document) Get() string {
	return d.view
}

// Insert inserts text at viewIndex and broadcasts the op.
func (d *Document) Insert(viewIndex int, text string) error {
	op, err := tombstone.GenerateOp(tombstone.InsertEdit(text), viewIndex, d.view, ot.Serialize(d.model))
	if err != nil {
		return fmt.Errorf("failed to insert at %d: %w", viewIndex, err)
	}
	parent := d.history.Head()
	applied, err := d.submit(op)
	if err != nil {
		return fmt.Errorf("failed to insert at %d: %w", viewIndex, err)
	}

	d.emit(Event{Kind: EventInsert, Index: viewIndex, Text: text})
	d.emit(Event{Kind: EventBroadcast, Op: applied, Revision: parent})
	return nil
}

// Delete removes count characters starting at viewIndex and broadcasts the op.
func (d *Document) Delete(viewIndex, count int) error {
	op, err := tombstone.GenerateOp(tombstone.DeleteEdit(count), viewIndex, d.view, ot.Serialize(d.model))
	if err != nil {
		return fmt.Errorf("failed to delete %d at %d: %w", count, viewIndex, err)
	}
	parent := d.history.Head()
	applied, err := d.submit(op)
	if err != nil {
		return fmt.Errorf("failed to delete %d at %d: %w", count, viewIndex, err)
	}

	d.emit(Event{Kind: EventDelete, Index: viewIndex, Count: count})
	d.emit(Event{Kind: EventBroadcast, Op: applied, Revision: parent})
	return nil
}

// RemoteOp applies an op another peer made on top of parent. An unknown
// parent emits EventResync and returns nil without changing the document.
func (d *Document) RemoteOp(parent history.ID, op ot.Op) error {
	if parent != d.history.Head() {
		sequence, ok := d.history.Sequence(parent)
		if !ok {
			d.emit(Event{Kind: EventResync, Revision: parent})
			return nil
		}
		for _, prior := range sequence {
			var err error
			op, err = ot.TransformOrdered(op, prior, ot.Left)
			if err != nil {
				return fmt.Errorf("failed to transform remote op: %w", err)
			}
		}
	}

	before := ot.Serialize(d.model)
	applied, err := d.submit(op)
	if err != nil {
		return fmt.Errorf("failed to apply remote op: %w", err)
	}
	for _, ev := range viewEvents(before, applied) {
		d.emit(ev)
	}
	return nil
}

// FirstOp returns the oldest retained revision.
func (d *Document) FirstOp() history.ID {
	return d.history.Tail()
}

// LastOp returns the head revision.
func (d *Document) LastOp() history.ID {
	return d.history.Head()
}

// Revision returns a retained revision, including the op as it was applied.
func (d *Document) Revision(id history.ID) (history.Revision, bool) {
	return d.history.Revision(id)
}

// ImportModel replaces the model with segments. The history is left as is.
func (d *Document) ImportModel(segments []ot.Segment) error {
	model, err := ot.Deserialize(segments)
	if err != nil {
		return fmt.Errorf("failed to import model: %w", err)
	}
	d.model = model
	d.view = model.Text()
	return nil
}

// ExportModel returns the serialized model.
func (d *Document) ExportModel() []ot.Segment {
	return ot.Serialize(d.model)
}

// ImportHistory replaces the revision history with snap.
func (d *Document) ImportHistory(snap history.Snapshot) error {
	if err := d.history.Import(snap); err != nil {
		return fmt.Errorf("failed to import history: %w", err)
	}
	return nil
}

// ExportHistory dumps the revision history.
func (d *Document) ExportHistory() history.Snapshot {
	return d.history.Export()
}

// submit normalizes and applies op, then records it. Nothing changes unless
// every step succeeds.
func (d *Document) submit(op ot.Op) (ot.Op, error) {
	op = ot.Normalize(op)
	next, err := ot.Apply(d.model, op)
	if err != nil {
		return nil, err
	}
	if _, err := d.history.Push(op); err != nil {
		return nil, err
	}
	d.model = next
	d.view = next.Text()
	return op, nil
}

func (d *Document) emit(ev Event) {
	for _, fn := range d.listeners {
		fn(ev)
	}
}

// viewEvents describes op, already applied to the model serialized as before,
// as insert and delete events a view can replay in order.
func viewEvents(before []ot.Segment, op ot.Op) []Event {
	var events []Event
	pos, shift := 0, 0
	for _, c := range op {
		switch c.Kind {
		case ot.KindRetain:
			pos += c.N
		case ot.KindInsert:
			if c.Text == "" {
				continue
			}
			index := tombstone.ModelIndexToViewIndex(pos, before) + shift
			events = append(events, Event{Kind: EventInsert, Index: index, Text: c.Text})
			shift += utf8.RuneCountInString(c.Text)
		case ot.KindDelete:
			if live := tombstone.ModelEffectedToViewEffected(pos, c.N, before); live > 0 {
				index := tombstone.ModelIndexToViewIndex(pos, before) + shift
				events = append(events, Event{Kind: EventDelete, Index: index, Count: live})
				shift -= live
			}
			pos += c.N
		}
	}
	return events
}
