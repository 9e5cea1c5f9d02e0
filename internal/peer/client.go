package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"otp2p/internal/document"
	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

/*
LEARNING: A PEER IS TWO DOCUMENTS PLUS A CONNECTION

The hub puts every op in one order and names each step with a revision id.
The client mirrors that chain in hub, and shows the user doc, which is the
hub's state plus the local edits it has not confirmed yet:

  doc = hub + inflight + buffer

  inflight  one op sent to the hub, waiting for its ack
  buffer    edits made since, composed into one op, sent after the ack

  local edit  -> inflight empty ? send it : compose into buffer
  ack         -> apply to hub, send buffer as the next inflight
  hub op      -> apply to hub; transform it past inflight and buffer
                 (and them past it), then apply it to doc
  unknown rev -> ask the hub for a snapshot

Every op the client sends is based on a revision the hub minted, so the hub
always knows it and never drops a late peer's edit. Ties between inserts at
the same position are ordered by content on both ends, the same way
Document.RemoteOp orders them on the hub.

A snapshot replaces both documents and drops pending edits, so edits are
refused while one is on its way.
*/

// ErrNotSynced is returned for edits made before the hub's snapshot arrived
var ErrNotSynced = errors.New("document is not synchronized with the hub")

const outboxSize = 256

// Option configures a Client
type Option func(*Client)

// WithCache persists every snapshot the client receives
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithHistoryCapacity bounds the revisions the local documents keep
func WithHistoryCapacity(n int) Option {
	return func(c *Client) { c.capacity = n }
}

// WithChangeHandler is called with the visible text after every change
func WithChangeHandler(fn func(text string)) Option {
	return func(c *Client) { c.onChange = fn }
}

// Client keeps a local replica of one document in sync with a hub
type Client struct {
	DocumentID string
	PeerID     string

	url      string
	cache    *Cache
	capacity int
	onChange func(text string)

	mu       sync.Mutex
	doc      *document.Document // what the user sees
	hub      *document.Document // the hub's chain as far as this client knows it
	inflight ot.Op
	buffer   ot.Op
	synced   bool

	outbox chan []byte
}

// NewClient creates a client for the hub websocket at url
func NewClient(url, documentID, peerID string, opts ...Option) *Client {
	c := &Client{
		DocumentID: documentID,
		PeerID:     peerID,
		url:        url,
		capacity:   document.DefaultHistoryCapacity,
		outbox:     make(chan []byte, outboxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.doc = c.newDocument()
	c.hub = document.New("", document.WithHistoryCapacity(c.capacity))
	return c
}

func (c *Client) newDocument() *document.Document {
	return document.New("",
		document.WithHistoryCapacity(c.capacity),
		document.WithListener(c.onEvent),
	)
}

// onEvent runs while mu is held. doc only ever applies ops at its own head,
// so the one event that matters is the broadcast of a local edit.
func (c *Client) onEvent(ev document.Event) {
	if ev.Kind != document.EventBroadcast {
		return
	}
	if c.inflight == nil {
		c.inflight = ev.Op
		c.enqueue(models.NewOpMessage(c.PeerID, c.inflight, c.hub.LastOp()))
		return
	}
	if c.buffer == nil {
		c.buffer = ev.Op
		return
	}
	buffer, err := ot.Compose(c.buffer, ev.Op)
	if err != nil {
		log.Printf("❌ Failed to queue local edit: %v", err)
		c.requestResync()
		return
	}
	c.buffer = buffer
}

// requestResync runs while mu is held
func (c *Client) requestResync() {
	c.synced = false
	c.enqueue(&models.Message{Type: models.MessageTypeResync, PeerID: c.PeerID})
}

func (c *Client) enqueue(msg *models.Message) {
	data, err := msg.Encode()
	if err != nil {
		log.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	select {
	case c.outbox <- data:
	default:
		// A lost op can only be repaired by the next snapshot
		log.Printf("⚠️  Outbox full, dropping %s message", msg.Type)
		c.synced = false
	}
}

// LoadCached shows the cached state of the document until the hub answers
func (c *Client) LoadCached() (bool, error) {
	if c.cache == nil {
		return false, nil
	}
	model, snap, found, err := c.cache.Load(c.DocumentID)
	if err != nil || !found {
		return false, err
	}
	if err := c.replace(model, snap, false); err != nil {
		return false, err
	}
	return true, nil
}

// Insert inserts text at a visible index
func (c *Client) Insert(index int, text string) error {
	return c.edit(func(doc *document.Document) error { return doc.Insert(index, text) })
}

// Delete removes count visible characters at index
func (c *Client) Delete(index, count int) error {
	return c.edit(func(doc *document.Document) error { return doc.Delete(index, count) })
}

func (c *Client) edit(fn func(doc *document.Document) error) error {
	c.mu.Lock()
	if !c.synced {
		c.mu.Unlock()
		return ErrNotSynced
	}
	err := fn(c.doc)
	text := c.doc.Get()
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.changed(text)
	return nil
}

// Text returns the visible text
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Get()
}

// Head returns the last hub revision the client has applied
func (c *Client) Head() history.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.LastOp()
}

// Pending reports whether local edits are still waiting for the hub
func (c *Client) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil || c.buffer != nil
}

// Synced reports whether the client has the hub's state and accepts edits
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

func (c *Client) changed(text string) {
	if c.onChange != nil {
		c.onChange(text)
	}
}

// replace swaps in documents built from a snapshot; the old ones are kept
// if the snapshot does not import
func (c *Client) replace(model []ot.Segment, snap history.Snapshot, synced bool) error {
	hub := document.New("", document.WithHistoryCapacity(c.capacity))
	if err := hub.ImportModel(model); err != nil {
		return err
	}
	if err := hub.ImportHistory(snap); err != nil {
		return err
	}
	doc := c.newDocument()
	if err := doc.ImportModel(model); err != nil {
		return err
	}

	c.mu.Lock()
	if c.inflight != nil || c.buffer != nil {
		log.Printf("⚠️  Snapshot replaces unconfirmed local edits of %s", c.DocumentID)
	}
	c.hub, c.doc = hub, doc
	c.inflight, c.buffer = nil, nil
	c.synced = synced
	text := doc.Get()
	c.mu.Unlock()

	c.changed(text)
	return nil
}

// applyOp runs while mu is held. It reports whether the view changed.
func (c *Client) applyOp(msg *models.Message) (bool, error) {
	if !c.synced {
		// A snapshot is on its way and supersedes this op
		return false, nil
	}
	if msg.Revision != c.hub.LastOp() {
		c.requestResync()
		return false, fmt.Errorf("op from %s is based on %s, expected %s", msg.PeerID, msg.Revision, c.hub.LastOp())
	}

	incoming, inflight, buffer := msg.Op, c.inflight, c.buffer
	var err error
	if inflight != nil {
		if incoming, inflight, err = transformPair(incoming, inflight); err != nil {
			c.requestResync()
			return false, err
		}
	}
	if buffer != nil {
		if incoming, buffer, err = transformPair(incoming, buffer); err != nil {
			c.requestResync()
			return false, err
		}
	}

	if err := c.hub.RemoteOp(msg.Revision, msg.Op); err != nil {
		c.requestResync()
		return false, err
	}
	if err := c.doc.RemoteOp(c.doc.LastOp(), incoming); err != nil {
		c.requestResync()
		return false, err
	}
	c.inflight, c.buffer = inflight, buffer
	return true, nil
}

// transformPair rebases an op from the hub and a pending local op made on
// the same state past each other
func transformPair(incoming, pending ot.Op) (ot.Op, ot.Op, error) {
	in, err := ot.TransformOrdered(incoming, pending, ot.Right)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to transform hub op: %w", err)
	}
	out, err := ot.TransformOrdered(pending, incoming, ot.Left)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to transform local op: %w", err)
	}
	return in, out, nil
}

// applyAck runs while mu is held
func (c *Client) applyAck(msg *models.Message) error {
	if !c.synced {
		return nil
	}
	if c.inflight == nil || msg.Revision != c.hub.LastOp() {
		c.requestResync()
		return fmt.Errorf("unexpected ack on %s", msg.Revision)
	}
	if err := c.hub.RemoteOp(msg.Revision, msg.Op); err != nil {
		c.requestResync()
		return err
	}

	c.inflight = nil
	if c.buffer != nil {
		c.inflight, c.buffer = c.buffer, nil
		c.enqueue(models.NewOpMessage(c.PeerID, c.inflight, c.hub.LastOp()))
	}
	return nil
}

// handleFrame applies one frame received from the hub
func (c *Client) handleFrame(data []byte) {
	msg, err := models.DecodeMessage(data)
	if err != nil {
		log.Printf("⚠️  Malformed frame from hub: %v", err)
		return
	}

	switch msg.Type {
	case models.MessageTypeSnapshot:
		var snap history.Snapshot
		if msg.History != nil {
			snap = *msg.History
		}
		if err := c.replace(msg.Model, snap, true); err != nil {
			log.Printf("❌ Failed to import snapshot: %v", err)
			return
		}
		if c.cache != nil {
			if err := c.cache.Save(c.DocumentID, msg.Model, snap); err != nil {
				log.Printf("⚠️  Failed to cache snapshot: %v", err)
			}
		}

	case models.MessageTypeOp:
		c.mu.Lock()
		changed, err := c.applyOp(msg)
		text := c.doc.Get()
		c.mu.Unlock()
		if err != nil {
			log.Printf("⚠️  Failed to apply op from %s, requesting a snapshot: %v", msg.PeerID, err)
		}
		if changed {
			c.changed(text)
		}

	case models.MessageTypeAck:
		c.mu.Lock()
		err := c.applyAck(msg)
		c.mu.Unlock()
		if err != nil {
			log.Printf("⚠️  Failed to apply ack, requesting a snapshot: %v", err)
		}

	case models.MessageTypeJoin:
		log.Printf("  Peer %s joined", msg.PeerID)
	case models.MessageTypeLeave:
		log.Printf("  Peer %s left", msg.PeerID)
	case models.MessageTypeError:
		log.Printf("⚠️  Hub error: %s", msg.Error)
		// A rejected op never gets an ack
		c.mu.Lock()
		if c.synced && c.inflight != nil {
			c.requestResync()
		}
		c.mu.Unlock()
	}
}

// Run connects to the hub and keeps reconnecting with exponential backoff
// until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry until ctx is cancelled

	connect := func() error {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("⚠️  Connection to %s lost: %v (retrying in %s)", c.url, err, wait.Round(time.Millisecond))
	}

	return backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify)
}

// session serves one connection; it always ends with an error unless ctx
// was cancelled
func (c *Client) session(ctx context.Context, connected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Frames left from a previous connection are superseded by the
	// snapshot the hub sends first
	c.mu.Lock()
	c.synced = false
	c.drainOutbox()
	c.mu.Unlock()

	connected()
	log.Printf("✓ Connected to %s as %s", c.url, c.PeerID)

	stop := make(chan struct{})
	defer close(stop)

	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(conn) }()
	go func() { errc <- c.writeLoop(ctx, conn, stop) }()

	select {
	case <-ctx.Done():
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// drainOutbox runs while mu is held
func (c *Client) drainOutbox() {
	for {
		select {
		case <-c.outbox:
		default:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}
