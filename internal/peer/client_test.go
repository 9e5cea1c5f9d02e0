package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"otp2p/internal/document"
	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"
	"otp2p/internal/services/collaboration"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotFrame(t *testing.T, doc *document.Document) []byte {
	t.Helper()
	data, err := models.NewSnapshotMessage(doc.ExportModel(), doc.ExportHistory()).Encode()
	require.NoError(t, err)
	return data
}

func nextFrame(t *testing.T, c *Client) *models.Message {
	t.Helper()
	select {
	case data := <-c.outbox:
		msg, err := models.DecodeMessage(data)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("outbox is empty")
		return nil
	}
}

func frame(t *testing.T, msg *models.Message) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

// hubApply applies op on the hub replica the way a room does and returns the
// op as applied together with the revision it was applied on.
func hubApply(t *testing.T, hub *document.Document, parent history.ID, op ot.Op) (ot.Op, history.ID) {
	t.Helper()
	before := hub.LastOp()
	require.NoError(t, hub.RemoteOp(parent, op))
	rev, ok := hub.Revision(hub.LastOp())
	require.True(t, ok)
	return rev.Op, before
}

func TestClientHandlesHubFrames(t *testing.T) {
	hub := document.New("")
	require.NoError(t, hub.Insert(0, "abc"))

	var changes []string
	c := NewClient("ws://unused", "notes", "alice", WithChangeHandler(func(text string) {
		changes = append(changes, text)
	}))
	assert.ErrorIs(t, c.Insert(0, "x"), ErrNotSynced)

	c.handleFrame(snapshotFrame(t, hub))
	assert.True(t, c.Synced())
	assert.Equal(t, "abc", c.Text())
	assert.Equal(t, hub.LastOp(), c.Head())

	// An op another peer made on the hub after the snapshot
	op, parent := hubApply(t, hub, hub.LastOp(), ot.Op{ot.Retain(3), ot.Insert("d")})
	c.handleFrame(frame(t, models.NewOpMessage("bob", op, parent)))
	assert.Equal(t, "abcd", c.Text())
	assert.Equal(t, hub.LastOp(), c.Head())

	// A local edit goes out at once, based on the hub's head
	require.NoError(t, c.Insert(0, ">"))
	msg := nextFrame(t, c)
	assert.Equal(t, models.MessageTypeOp, msg.Type)
	assert.Equal(t, "alice", msg.PeerID)
	assert.Equal(t, hub.LastOp(), msg.Revision)
	assert.True(t, c.Pending())

	// The next one waits for the ack
	require.NoError(t, c.Insert(5, "!"))
	assert.Empty(t, c.outbox)
	assert.Equal(t, ">abcd!", c.Text())

	op, parent = hubApply(t, hub, msg.Revision, msg.Op)
	c.handleFrame(frame(t, models.NewAckMessage("alice", op, parent)))
	assert.Equal(t, hub.LastOp(), c.Head())

	msg = nextFrame(t, c)
	assert.Equal(t, hub.LastOp(), msg.Revision)
	op, parent = hubApply(t, hub, msg.Revision, msg.Op)
	c.handleFrame(frame(t, models.NewAckMessage("alice", op, parent)))

	assert.False(t, c.Pending())
	assert.Equal(t, ">abcd!", hub.Get())
	assert.Equal(t, hub.LastOp(), c.Head())
	assert.Equal(t, []string{"abc", "abcd", ">abcd", ">abcd!"}, changes)
}

// TestClientRebasesPendingEdits has the hub order another peer's op before
// the client's own, then checks that an edit made after that still applies.
func TestClientRebasesPendingEdits(t *testing.T) {
	hub := document.New("")
	require.NoError(t, hub.Insert(0, "hello"))
	base := hub.LastOp()

	c := NewClient("ws://unused", "notes", "bob")
	c.handleFrame(snapshotFrame(t, hub))

	require.NoError(t, c.Delete(0, 1))
	mine := nextFrame(t, c)
	assert.Equal(t, base, mine.Revision)

	// alice's append reaches the hub first
	op, parent := hubApply(t, hub, base, ot.Op{ot.Retain(5), ot.Insert("!")})
	c.handleFrame(frame(t, models.NewOpMessage("alice", op, parent)))
	assert.Equal(t, "ello!", c.Text())

	// typed before the ack arrives
	require.NoError(t, c.Insert(0, "J"))
	assert.Equal(t, "Jello!", c.Text())
	assert.Empty(t, c.outbox)

	// the hub transforms bob's delete past the append
	op, parent = hubApply(t, hub, mine.Revision, mine.Op)
	assert.Equal(t, ot.Op{ot.Delete(1), ot.Retain(5)}, op)
	c.handleFrame(frame(t, models.NewAckMessage("bob", op, parent)))

	next := nextFrame(t, c)
	assert.Equal(t, hub.LastOp(), next.Revision, "sent on a revision the hub knows")
	op, parent = hubApply(t, hub, next.Revision, next.Op)
	c.handleFrame(frame(t, models.NewAckMessage("bob", op, parent)))

	assert.Equal(t, "Jello!", hub.Get())
	assert.Equal(t, hub.Get(), c.Text())
	assert.Equal(t, hub.LastOp(), c.Head())
	assert.False(t, c.Pending())
	assert.True(t, c.Synced())
}

func TestClientRequestsResync(t *testing.T) {
	c := NewClient("ws://unused", "notes", "alice")
	c.handleFrame(snapshotFrame(t, document.New("")))
	require.True(t, c.Synced())

	c.handleFrame(frame(t, models.NewOpMessage("bob", ot.Op{ot.Insert("x")}, history.ID("unknown"))))
	assert.False(t, c.Synced())
	assert.Equal(t, models.MessageTypeResync, nextFrame(t, c).Type)
	assert.ErrorIs(t, c.Delete(0, 1), ErrNotSynced)

	// Ops that arrive before the snapshot are superseded by it
	c.handleFrame(frame(t, models.NewOpMessage("bob", ot.Op{ot.Insert("y")}, history.Root)))
	assert.Empty(t, c.outbox)
	assert.Equal(t, "", c.Text())

	// An op that cannot apply also asks for a snapshot
	c.handleFrame(snapshotFrame(t, document.New("")))
	c.handleFrame(frame(t, models.NewOpMessage("bob", ot.Op{ot.Retain(4)}, history.Root)))
	assert.False(t, c.Synced())
	assert.Equal(t, models.MessageTypeResync, nextFrame(t, c).Type)

	// So does an ack for nothing
	c.handleFrame(snapshotFrame(t, document.New("")))
	c.handleFrame(frame(t, models.NewAckMessage("alice", ot.Op{ot.Insert("z")}, history.Root)))
	assert.False(t, c.Synced())
	assert.Equal(t, models.MessageTypeResync, nextFrame(t, c).Type)

	// and a hub error while an op is out
	c.handleFrame(snapshotFrame(t, document.New("")))
	require.NoError(t, c.Insert(0, "a"))
	nextFrame(t, c)
	c.handleFrame(frame(t, models.NewErrorMessage(errors.New("rejected"))))
	assert.False(t, c.Synced())
	assert.Equal(t, models.MessageTypeResync, nextFrame(t, c).Type)

	// The snapshot drops the unconfirmed edit
	c.handleFrame(snapshotFrame(t, document.New("")))
	assert.False(t, c.Pending())
	assert.Equal(t, "", c.Text())

	// Presence and garbage change nothing
	c.handleFrame([]byte(`{"type":"join","peer_id":"bob"}`))
	c.handleFrame([]byte(`nope`))
	assert.Equal(t, "", c.Text())
	assert.True(t, c.Synced())
}

func TestCache(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	defer cache.Close()

	_, _, found, err := cache.Load("notes")
	require.NoError(t, err)
	assert.False(t, found)

	doc := document.New("")
	require.NoError(t, doc.Insert(0, "hello"))
	require.NoError(t, doc.Delete(0, 1))
	require.NoError(t, cache.Save("notes", doc.ExportModel(), doc.ExportHistory()))

	model, snap, found, err := cache.Load("notes")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc.ExportModel(), model)
	assert.Equal(t, doc.LastOp(), snap.Head)
	assert.Equal(t, 2, snap.Length)
}

func TestClientLoadsCacheUntilSynced(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	defer cache.Close()

	hub := document.New("")
	require.NoError(t, hub.Insert(0, "cached"))

	first := NewClient("ws://unused", "notes", "alice", WithCache(cache))
	first.handleFrame(snapshotFrame(t, hub))

	second := NewClient("ws://unused", "notes", "alice", WithCache(cache))
	found, err := second.LoadCached()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cached", second.Text())
	assert.Equal(t, hub.LastOp(), second.Head())
	assert.False(t, second.Synced())

	found, err = NewClient("ws://unused", "other", "alice", WithCache(cache)).LoadCached()
	require.NoError(t, err)
	assert.False(t, found)
}

type textLog struct {
	mu   sync.Mutex
	text string
}

func (l *textLog) set(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = text
}

func TestClientsConvergeThroughHub(t *testing.T) {
	sm := collaboration.NewSessionManager(100, 1000)
	sm.Start()
	router := mux.NewRouter()
	router.HandleFunc("/ws/document/{id}", collaboration.NewWebSocketHandler(sm).HandleDocumentConnection)
	server := httptest.NewServer(router)
	defer server.Close()
	defer sm.Shutdown()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/document/notes"
	alice := NewClient(url+"?peer_id=alice", "notes", "alice")
	var bobView textLog
	bob := NewClient(url+"?peer_id=bob", "notes", "bob", WithChangeHandler(bobView.set))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.Run(ctx)
	go bob.Run(ctx)

	require.Eventually(t, func() bool { return alice.Synced() && bob.Synced() }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Insert(0, "hello"))
	require.Eventually(t, func() bool { return bob.Text() == "hello" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Insert(5, " world"))
	require.Eventually(t, func() bool { return alice.Text() == "hello world" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Delete(0, 1))
	require.Eventually(t, func() bool { return bob.Text() == "ello world" }, 5*time.Second, 10*time.Millisecond)

	// Edits made without waiting for each other
	require.NoError(t, alice.Insert(10, "!"))
	require.NoError(t, bob.Delete(0, 1))
	require.NoError(t, bob.Insert(0, "J"))
	settled := func() bool {
		return !alice.Pending() && !bob.Pending() && alice.Text() == "Jllo world!" && bob.Text() == "Jllo world!"
	}
	require.Eventually(t, settled, 5*time.Second, 10*time.Millisecond)

	state, err := sm.DocumentState(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "Jllo world!", state.Text)
	require.Eventually(t, func() bool {
		return alice.Head() == state.Head && bob.Head() == state.Head
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		bobView.mu.Lock()
		defer bobView.mu.Unlock()
		return bobView.text == "Jllo world!"
	}, 5*time.Second, 10*time.Millisecond)
}

// TestClientsReconcileConcurrentEdits routes frames between two clients and
// the hub by hand, so both first edits are made on the same revision and
// the hub orders alice's first. bob then edits again.
func TestClientsReconcileConcurrentEdits(t *testing.T) {
	cases := []struct {
		name  string
		base  string
		alice func(*Client) error
		bob   func(*Client) error
		want  string
	}{
		{
			name:  "same position inserts",
			alice: func(c *Client) error { return c.Insert(0, "X") },
			bob:   func(c *Client) error { return c.Insert(0, "Y") },
			want:  "JXY",
		},
		{
			name:  "overlapping deletes",
			base:  "abcdef",
			alice: func(c *Client) error { return c.Delete(1, 3) },
			bob:   func(c *Client) error { return c.Delete(2, 3) },
			want:  "Jaf",
		},
		{
			name:  "insert inside deleted range",
			base:  "abcdef",
			alice: func(c *Client) error { return c.Delete(1, 4) },
			bob:   func(c *Client) error { return c.Insert(3, "X") },
			want:  "JaXf",
		},
		{
			name:  "append and delete",
			base:  "hello",
			alice: func(c *Client) error { return c.Insert(5, "!") },
			bob:   func(c *Client) error { return c.Delete(0, 1) },
			want:  "Jello!",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sm := collaboration.NewSessionManager(100, 1000)
			sm.Start()
			t.Cleanup(sm.Shutdown)
			ctx := context.Background()

			if tc.base != "" {
				_, err := sm.Insert(ctx, "notes", 0, tc.base, "hub")
				require.NoError(t, err)
			}
			snap, err := sm.Snapshot(ctx, "notes")
			require.NoError(t, err)

			alice := NewClient("ws://unused", "notes", "alice")
			bob := NewClient("ws://unused", "notes", "bob")
			alice.handleFrame(frame(t, snap))
			bob.handleFrame(frame(t, snap))

			// submit sends c's next frame to the hub, acks it and relays the
			// applied op to other
			submit := func(c, other *Client) {
				t.Helper()
				msg := nextFrame(t, c)
				require.Equal(t, models.MessageTypeOp, msg.Type)
				_, ack, err := sm.SubmitOp(ctx, "notes", msg)
				require.NoError(t, err)
				require.NotNil(t, ack, "hub knows revision %s", msg.Revision)
				c.handleFrame(frame(t, ack))
				other.handleFrame(frame(t, models.NewOpMessage(c.PeerID, ack.Op, ack.Revision)))
			}

			require.NoError(t, tc.alice(alice))
			require.NoError(t, tc.bob(bob))
			submit(alice, bob)
			submit(bob, alice)

			require.NoError(t, bob.Insert(0, "J"))
			submit(bob, alice)

			state, err := sm.DocumentState(ctx, "notes")
			require.NoError(t, err)
			assert.Equal(t, tc.want, state.Text)
			assert.Equal(t, tc.want, alice.Text())
			assert.Equal(t, tc.want, bob.Text())
			assert.Equal(t, state.Head, alice.Head())
			assert.Equal(t, state.Head, bob.Head())
			assert.False(t, alice.Pending())
			assert.False(t, bob.Pending())
			assert.True(t, alice.Synced() && bob.Synced())
		})
	}
}
