package collaboration

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"otp2p/internal/document"
	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"
	"otp2p/internal/services"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu   sync.Mutex
	jobs []services.PersistJob
}

func (f *fakePersister) SubmitJob(job services.PersistJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePersister) Restore(ctx context.Context, documentID string, doc *document.Document) (int, error) {
	return 0, nil
}

func (f *fakePersister) kinds() []services.PersistKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]services.PersistKind, len(f.jobs))
	for i, job := range f.jobs {
		kinds[i] = job.Kind
	}
	return kinds
}

type fakeRelay struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeRelay) Publish(ctx context.Context, documentID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, documentID)
	return nil
}

func (f *fakeRelay) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestHub(t *testing.T) (*SessionManager, *fakePersister, *fakeRelay, *httptest.Server) {
	t.Helper()

	persister := &fakePersister{}
	relay := &fakeRelay{}
	sm := NewSessionManager(100, 1000)
	sm.SetPersister(persister)
	sm.SetRelay(relay)
	sm.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws/document/{id}", NewWebSocketHandler(sm).HandleDocumentConnection)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		sm.Shutdown()
	})
	return sm, persister, relay, server
}

func dial(t *testing.T, server *httptest.Server, documentID, peerID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/document/" + documentID + "?peer_id=" + peerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *models.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := models.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg *models.Message) {
	t.Helper()

	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHubRelaysOpsBetweenPeers(t *testing.T) {
	sm, persister, relay, server := newTestHub(t)

	alice := dial(t, server, "notes", "alice")
	snap := readMessage(t, alice)
	assert.Equal(t, models.MessageTypeSnapshot, snap.Type)
	require.NotNil(t, snap.History)
	assert.Equal(t, history.Root, snap.History.Head)

	bob := dial(t, server, "notes", "bob")
	assert.Equal(t, models.MessageTypeSnapshot, readMessage(t, bob).Type)

	join := readMessage(t, alice)
	assert.Equal(t, models.MessageTypeJoin, join.Type)
	assert.Equal(t, "bob", join.PeerID)

	send(t, alice, models.NewOpMessage("alice", ot.Op{ot.Insert("hi")}, history.Root))

	relayed := readMessage(t, bob)
	assert.Equal(t, models.MessageTypeOp, relayed.Type)
	assert.Equal(t, "alice", relayed.PeerID)
	assert.Equal(t, history.Root, relayed.Revision)
	assert.Equal(t, ot.Op{ot.Insert("hi")}, relayed.Op)

	ack := readMessage(t, alice)
	assert.Equal(t, models.MessageTypeAck, ack.Type)
	assert.Equal(t, history.Root, ack.Revision)
	assert.Equal(t, ot.Op{ot.Insert("hi")}, ack.Op)

	state, err := sm.DocumentState(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "hi", state.Text)
	assert.Equal(t, 2, state.Length)
	assert.Equal(t, int64(1), state.Seq)
	require.Eventually(t, func() bool { return relay.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []services.PersistKind{services.PersistOp}, persister.kinds())
	job := persister.jobs[0]
	assert.Equal(t, state.Head, job.Revision)
	assert.Equal(t, history.Root, job.Parent)
	assert.Equal(t, "alice", job.PeerID)
}

func TestHubSendsSnapshotOnUnknownRevision(t *testing.T) {
	_, persister, relay, server := newTestHub(t)

	alice := dial(t, server, "notes", "alice")
	readMessage(t, alice)
	send(t, alice, models.NewOpMessage("alice", ot.Op{ot.Insert("hi")}, history.Root))
	require.Eventually(t, func() bool { return relay.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	bob := dial(t, server, "notes", "bob")
	snap := readMessage(t, bob)
	assert.Equal(t, []ot.Segment{ot.Live("hi")}, snap.Model)

	send(t, bob, models.NewOpMessage("bob", ot.Op{ot.Retain(2), ot.Insert("!")}, history.ID("unknown")))

	resync := readMessage(t, bob)
	assert.Equal(t, models.MessageTypeSnapshot, resync.Type)
	assert.Equal(t, []ot.Segment{ot.Live("hi")}, resync.Model)
	require.NotNil(t, resync.History)
	assert.Equal(t, 1, resync.History.Length)

	// Nothing was applied, stored or relayed for the rejected op
	assert.Len(t, persister.kinds(), 1)
	assert.Equal(t, 1, relay.count())
}

func TestHubAnswersResyncAndErrors(t *testing.T) {
	_, _, _, server := newTestHub(t)

	alice := dial(t, server, "notes", "alice")
	readMessage(t, alice)

	send(t, alice, &models.Message{Type: models.MessageTypeResync})
	assert.Equal(t, models.MessageTypeSnapshot, readMessage(t, alice).Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, models.MessageTypeError, readMessage(t, alice).Type)

	// Too long for the empty document
	send(t, alice, models.NewOpMessage("alice", ot.Op{ot.Retain(5)}, history.Root))
	msg := readMessage(t, alice)
	assert.Equal(t, models.MessageTypeError, msg.Type)
	assert.NotEmpty(t, msg.Error)

	send(t, alice, &models.Message{Type: models.MessageTypeJoin})
	assert.Equal(t, models.MessageTypeError, readMessage(t, alice).Type)
}

func TestHubBroadcastsLocalEdits(t *testing.T) {
	sm, _, relay, server := newTestHub(t)
	ctx := context.Background()

	alice := dial(t, server, "notes", "alice")
	readMessage(t, alice)

	state, err := sm.Insert(ctx, "notes", 0, "hey", "hub")
	require.NoError(t, err)
	assert.Equal(t, "hey", state.Text)

	state, err = sm.Delete(ctx, "notes", 0, 1, "hub")
	require.NoError(t, err)
	assert.Equal(t, "ey", state.Text)

	// Replaying the frames on a fresh document reproduces the hub's text
	doc := document.New("")
	for i := 0; i < 2; i++ {
		msg := readMessage(t, alice)
		require.Equal(t, models.MessageTypeOp, msg.Type)
		assert.Equal(t, "hub", msg.PeerID)
		require.NoError(t, doc.RemoteOp(msg.Revision, msg.Op))
	}
	assert.Equal(t, "ey", doc.Get())
	assert.Equal(t, state.Head, doc.LastOp())
	assert.Equal(t, 2, relay.count())

	_, err = sm.Delete(ctx, "notes", 5, 1, "hub")
	assert.Error(t, err)
}

func TestHubAppliesRelayedFrames(t *testing.T) {
	sm, _, relay, server := newTestHub(t)

	alice := dial(t, server, "notes", "alice")
	readMessage(t, alice)

	frame, err := models.NewOpMessage("carol", ot.Op{ot.Insert("abc")}, history.Root).Encode()
	require.NoError(t, err)
	sm.HandleRelayed("notes", frame)

	msg := readMessage(t, alice)
	assert.Equal(t, "carol", msg.PeerID)

	state, err := sm.DocumentState(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "abc", state.Text)

	// Relayed frames are not published again
	assert.Equal(t, 0, relay.count())

	sm.HandleRelayed("notes", []byte("garbage"))
	state, err = sm.DocumentState(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, "abc", state.Text)
}

func TestBroadcastSkipsOpsCoveredBySnapshot(t *testing.T) {
	sm := NewSessionManager(100, 1000)
	session := &Session{
		Session: models.NewSession("notes", "alice"),
		Send:    make(chan []byte, 4),
		Manager: sm,
	}
	session.snapshotSeq.Store(3)
	sm.documents["notes"] = map[*Session]bool{session: true}

	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("old"), Seq: 2})
	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("new"), Seq: 4})
	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("join")})
	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("self"), Sender: session})
	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("op"), Ack: []byte("ack"), Sender: session, Seq: 5})
	sm.handleBroadcast(&BroadcastMessage{DocumentID: "notes", Message: []byte("op"), Ack: []byte("stale ack"), Sender: session, Seq: 3})

	require.Len(t, session.Send, 3)
	assert.Equal(t, "new", string(<-session.Send))
	assert.Equal(t, "join", string(<-session.Send))
	assert.Equal(t, "ack", string(<-session.Send))
}

func TestSendAfterUnregisterIsDropped(t *testing.T) {
	sm := NewSessionManager(100, 1000)
	room := newRoom("notes", 100, 100, &fakePersister{})
	session := &Session{
		Session: models.NewSession("notes", "alice"),
		Send:    make(chan []byte, 4),
		Manager: sm,
		Room:    room,
	}
	sm.documents["notes"] = map[*Session]bool{session: true}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			session.sendMessage(&models.Message{Type: models.MessageTypeError, Error: "boom"})
		}
	}()
	sm.handleUnregister(session)
	wg.Wait()

	assert.True(t, session.closed)
	assert.NotPanics(t, func() { session.sendSnapshot() })
	assert.NotPanics(t, func() {
		session.sendMessage(&models.Message{Type: models.MessageTypeError, Error: "late"})
	})
	// Whatever made it in before the close is still readable, then the
	// channel reports closed
	for range session.Send {
	}
}

func TestRoomSnapshotsEveryNOps(t *testing.T) {
	persister := &fakePersister{}
	room := newRoom("notes", 100, 2, persister)

	require.NoError(t, room.Insert(0, "a", "p", nil))
	require.NoError(t, room.Insert(1, "b", "p", nil))
	assert.Equal(t, []services.PersistKind{
		services.PersistOp, services.PersistOp, services.PersistSnapshot,
	}, persister.kinds())

	snap := persister.jobs[2]
	assert.Equal(t, int64(2), snap.State.Applied)
	assert.Equal(t, 2, snap.State.Length)
	assert.Equal(t, []ot.Segment{ot.Live("ab")}, snap.Model)
	assert.Equal(t, 2, snap.History.Length)

	// Nothing changed since the last snapshot
	room.Flush()
	assert.Len(t, persister.kinds(), 3)

	require.NoError(t, room.Delete(0, 1, "p", nil))
	room.Flush()
	assert.Equal(t, services.PersistSnapshot, persister.kinds()[4])
	assert.Equal(t, "b", room.State().Text)
}

func TestRoomApplyRemote(t *testing.T) {
	persister := &fakePersister{}
	room := newRoom("notes", 100, 100, persister)

	var seqs []int64
	var frames []*models.Message
	onApplied := func(applied *models.Message, seq int64) {
		frames = append(frames, applied)
		seqs = append(seqs, seq)
	}

	applied, err := room.ApplyRemote(models.NewOpMessage("p", ot.Op{ot.Insert("xy")}, history.Root), "remote", onApplied)
	require.NoError(t, err)
	assert.True(t, applied)

	// Based on Root again: transformed over the first op, and "xy" sorts
	// before "z" at the shared position
	applied, err = room.ApplyRemote(models.NewOpMessage("q", ot.Op{ot.Insert("z")}, history.Root), "remote", onApplied)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "xyz", room.State().Text)

	applied, err = room.ApplyRemote(models.NewOpMessage("q", ot.Op{ot.Insert("z")}, history.ID("gone")), "remote", onApplied)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = room.ApplyRemote(models.NewOpMessage("q", ot.Op{ot.Retain(10)}, room.State().Head), "remote", onApplied)
	assert.Error(t, err)

	assert.Equal(t, []int64{1, 2}, seqs)
	assert.Len(t, persister.kinds(), 2)

	// The second record holds the transformed op
	second := persister.jobs[1]
	assert.Equal(t, "q", second.PeerID)
	assert.Equal(t, persister.jobs[0].Revision, second.Parent)
	assert.Equal(t, ot.Op{ot.Retain(2), ot.Insert("z")}, second.Op)

	// and so does the frame handed to onApplied, on the previous head
	require.Len(t, frames, 2)
	assert.Equal(t, history.Root, frames[0].Revision)
	assert.Equal(t, second.Op, frames[1].Op)
	assert.Equal(t, second.Parent, frames[1].Revision)
	assert.Equal(t, "q", frames[1].PeerID)
}

// TestHubOrdersConcurrentEdits sends two ops made on the same revision,
// then a further edit from the peer whose op the hub applied second. The
// late peer builds that edit on the revision its ack names and it is applied.
func TestHubOrdersConcurrentEdits(t *testing.T) {
	sm, _, _, server := newTestHub(t)
	ctx := context.Background()

	_, err := sm.Insert(ctx, "notes", 0, "hello", "hub")
	require.NoError(t, err)

	alice := dial(t, server, "notes", "alice")
	bob := dial(t, server, "notes", "bob")
	aliceSnap := readMessage(t, alice)
	bobSnap := readMessage(t, bob)
	assert.Equal(t, models.MessageTypeJoin, readMessage(t, alice).Type)
	base := bobSnap.History.Head
	assert.Equal(t, aliceSnap.History.Head, base)

	// bob mirrors the hub chain the way a peer client does
	mirror := document.New("")
	require.NoError(t, mirror.ImportModel(bobSnap.Model))
	require.NoError(t, mirror.ImportHistory(*bobSnap.History))

	send(t, alice, models.NewOpMessage("alice", ot.Op{ot.Retain(5), ot.Insert("!")}, base))
	ackA := readMessage(t, alice)
	require.Equal(t, models.MessageTypeAck, ackA.Type)
	assert.Equal(t, base, ackA.Revision)

	// bob has not seen alice's op yet
	send(t, bob, models.NewOpMessage("bob", ot.Op{ot.Delete(1), ot.Retain(4)}, base))

	fromAlice := readMessage(t, bob)
	require.Equal(t, models.MessageTypeOp, fromAlice.Type)
	assert.Equal(t, base, fromAlice.Revision)
	require.NoError(t, mirror.RemoteOp(fromAlice.Revision, fromAlice.Op))

	ackB := readMessage(t, bob)
	require.Equal(t, models.MessageTypeAck, ackB.Type)
	assert.Equal(t, mirror.LastOp(), ackB.Revision)
	assert.Equal(t, ot.Op{ot.Delete(1), ot.Retain(5)}, ackB.Op)
	require.NoError(t, mirror.RemoteOp(ackB.Revision, ackB.Op))

	fromBob := readMessage(t, alice)
	assert.Equal(t, ackB.Op, fromBob.Op)
	assert.Equal(t, ackB.Revision, fromBob.Revision)

	state, err := sm.DocumentState(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "ello!", state.Text)
	assert.Equal(t, state.Head, mirror.LastOp())

	// The late peer's next edit
	send(t, bob, models.NewOpMessage("bob", ot.Op{ot.Insert("J"), ot.Retain(6)}, mirror.LastOp()))
	ackJ := readMessage(t, bob)
	require.Equal(t, models.MessageTypeAck, ackJ.Type)
	assert.Equal(t, ot.Op{ot.Insert("J"), ot.Retain(6)}, ackJ.Op)
	assert.Equal(t, models.MessageTypeOp, readMessage(t, alice).Type)

	state, err = sm.DocumentState(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "Jello!", state.Text)
}

// TestHubReconcilesConcurrentPairs submits two ops made on the same hub
// revision. The first peer applies the second ack's op as is; the second
// peer transforms the first op past its own pending one, as a client does.
func TestHubReconcilesConcurrentPairs(t *testing.T) {
	cases := []struct {
		name string
		base string
		opA  ot.Op
		opB  ot.Op
		want string
	}{
		{
			name: "same position inserts",
			opA:  ot.Op{ot.Insert("Y")},
			opB:  ot.Op{ot.Insert("X")},
			want: "XY",
		},
		{
			name: "same position inserts mid text",
			base: "abc",
			opA:  ot.Op{ot.Retain(1), ot.Insert("X"), ot.Retain(2)},
			opB:  ot.Op{ot.Retain(1), ot.Insert("Y"), ot.Retain(2)},
			want: "aXYbc",
		},
		{
			name: "overlapping deletes",
			base: "abcdef",
			opA:  ot.Op{ot.Retain(1), ot.Delete(3), ot.Retain(2)},
			opB:  ot.Op{ot.Retain(2), ot.Delete(3), ot.Retain(1)},
			want: "af",
		},
		{
			name: "insert inside deleted range",
			base: "abcdef",
			opA:  ot.Op{ot.Retain(1), ot.Delete(4), ot.Retain(1)},
			opB:  ot.Op{ot.Retain(3), ot.Insert("X"), ot.Retain(3)},
			want: "aXf",
		},
		{
			name: "delete around an insert",
			base: "abcdef",
			opA:  ot.Op{ot.Retain(3), ot.Insert("X"), ot.Retain(3)},
			opB:  ot.Op{ot.Retain(1), ot.Delete(4), ot.Retain(1)},
			want: "aXf",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sm := NewSessionManager(100, 1000)
			sm.SetPersister(&fakePersister{})
			sm.Start()
			t.Cleanup(sm.Shutdown)
			ctx := context.Background()

			base := history.Root
			if tc.base != "" {
				state, err := sm.Insert(ctx, "notes", 0, tc.base, "hub")
				require.NoError(t, err)
				base = state.Head
			}

			_, ackA, err := sm.SubmitOp(ctx, "notes", models.NewOpMessage("a", tc.opA, base))
			require.NoError(t, err)
			require.NotNil(t, ackA)
			state, ackB, err := sm.SubmitOp(ctx, "notes", models.NewOpMessage("b", tc.opB, base))
			require.NoError(t, err)
			require.NotNil(t, ackB)
			assert.Equal(t, tc.want, state.Text)

			a := ot.Create(tc.base)
			a, err = ot.Apply(a, tc.opA)
			require.NoError(t, err)
			a, err = ot.Apply(a, ackB.Op)
			require.NoError(t, err)

			b := ot.Create(tc.base)
			b, err = ot.Apply(b, tc.opB)
			require.NoError(t, err)
			incoming, err := ot.TransformOrdered(ackA.Op, tc.opB, ot.Right)
			require.NoError(t, err)
			b, err = ot.Apply(b, incoming)
			require.NoError(t, err)

			assert.Equal(t, tc.want, a.Text())
			assert.Equal(t, tc.want, b.Text())
			assert.Equal(t, ot.Serialize(a), ot.Serialize(b))
		})
	}
}
