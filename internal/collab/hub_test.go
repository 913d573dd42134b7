package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/access"
	"collabtext/internal/catalog"
	"collabtext/internal/metrics"
	"collabtext/internal/persist"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/session"
)

const waitFor = 2 * time.Second

func newStore(t *testing.T) *catalog.Memory {
	t.Helper()
	store := catalog.NewMemory()
	require.NoError(t, store.CreateWorkspace(context.Background(), &catalog.Workspace{
		ID:          "w1",
		ProjectName: "demo",
		Users:       []string{"alice", "bob"},
	}))
	return store
}

// startHub runs a hub over store behind an httptest server.
func startHub(t *testing.T, store catalog.Store, window time.Duration, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(
		session.NewRegistry(replica.SequenceFactory),
		access.NewGate(store, time.Second),
		store,
		persist.NewBridge(store, window),
		opts...,
	)
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, srv
}

func content(t *testing.T, store catalog.Store, path string) string {
	t.Helper()
	text, err := catalog.LoadContent(context.Background(), store, "w1", path)
	require.NoError(t, err)
	return text
}

type peer struct {
	t      *testing.T
	conn   *websocket.Conn
	editor *replica.Editor
}

func dial(t *testing.T, srv *httptest.Server, userID, workspaceID string) *peer {
	t.Helper()
	q := url.Values{"userId": {userID}, "workspaceId": {workspaceID}}
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, editor: replica.NewEditor(userID)}
}

func (p *peer) emit(event string, data any) {
	p.t.Helper()
	b, err := Encode(event, data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, b))
}

func (p *peer) next() Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, b, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	var env Envelope
	require.NoError(p.t, json.Unmarshal(b, &env))
	return env
}

func (p *peer) expect(event string, data any) {
	p.t.Helper()
	env := p.next()
	require.Equal(p.t, event, env.Event, "data: %s", env.Data)
	if data != nil {
		require.NoError(p.t, json.Unmarshal(env.Data, data))
	}
}

func (p *peer) apply(update string) {
	p.t.Helper()
	delta, err := base64.StdEncoding.DecodeString(update)
	require.NoError(p.t, err)
	require.NoError(p.t, p.editor.Apply(delta))
}

// join enters path and merges the sync it gets back.
func (p *peer) join(path string) {
	p.t.Helper()
	p.emit(EventJoinRoom, JoinRoom{WorkspaceID: "w1", Path: path})
	var s Sync
	p.expect(EventSync, &s)
	require.Equal(p.t, path, s.Path)
	p.apply(s.Update)
}

func (p *peer) insert(path string, index int, text string) {
	p.t.Helper()
	delta, err := p.editor.Insert(index, text)
	require.NoError(p.t, err)
	p.emit(EventDocUpdate, DocUpdate{WorkspaceID: "w1", Path: path, Update: base64.StdEncoding.EncodeToString(delta)})
}

func (p *peer) receiveUpdate(path string) {
	p.t.Helper()
	var update string
	p.expect(DocUpdateEvent(path), &update)
	p.apply(update)
}

// expectSilence must be the last read on p: a timed out connection is unusable.
func (p *peer) expectSilence() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, b, err := p.conn.ReadMessage()
	var ne net.Error
	require.True(p.t, errors.As(err, &ne) && ne.Timeout(), "unexpected frame %s (err %v)", b, err)
}

func (p *peer) expectClosed() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := p.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			require.False(p.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
			return
		}
	}
}

func TestHub_HelloWorld(t *testing.T) {
	store := newStore(t)
	_, srv := startHub(t, store, 20*time.Millisecond)

	a := dial(t, srv, "alice", "w1")
	a.join("foo.grg")
	assert.Equal(t, "", a.editor.Text())
	a.insert("foo.grg", 0, "hello")
	require.Eventually(t, func() bool { return content(t, store, "foo.grg") == "hello" }, waitFor, 10*time.Millisecond)

	b := dial(t, srv, "bob", "w1")
	b.join("foo.grg")
	assert.Equal(t, "hello", b.editor.Text())

	var joined Presence
	a.expect(EventUserJoined, &joined)
	assert.Equal(t, Presence{UserID: "bob", Path: "foo.grg"}, joined)

	b.insert("foo.grg", 5, " world")
	a.receiveUpdate("foo.grg")

	assert.Equal(t, "hello world", a.editor.Text())
	assert.Equal(t, "hello world", b.editor.Text())
	require.Eventually(t, func() bool { return content(t, store, "foo.grg") == "hello world" }, waitFor, 10*time.Millisecond)

	// Senders never hear their own update.
	b.expectSilence()
}

func TestHub_UnauthorizedRejected(t *testing.T) {
	store := newStore(t)
	m := metrics.New(prometheus.NewRegistry())
	_, srv := startHub(t, store, time.Hour, WithMetrics(m))

	for _, tc := range []struct{ user, workspace string }{
		{"mallory", "w1"},
		{"alice", "nope"},
		{"", "w1"},
	} {
		p := dial(t, srv, tc.user, tc.workspace)
		var msg string
		p.expect(EventError, &msg)
		assert.Equal(t, access.ErrDenied.Error(), msg)
		p.expectClosed()
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AuthDenied))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectedClients))
}

func TestHub_JoinOutsideHandshakeWorkspace(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateWorkspace(context.Background(), &catalog.Workspace{ID: "w2", Users: []string{"bob"}}))
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	a.emit(EventJoinRoom, JoinRoom{WorkspaceID: "w2", Path: "foo.grg"})
	var msg string
	a.expect(EventError, &msg)
	assert.Equal(t, access.ErrDenied.Error(), msg)
	a.expectClosed()
}

func TestHub_TeardownReseedsFromStorage(t *testing.T) {
	store := newStore(t)
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	a.join("foo.grg")
	a.insert("foo.grg", 0, "draft")
	require.NoError(t, a.conn.Close())

	// The debounce window never elapses; only the teardown flush writes.
	require.Eventually(t, func() bool { return content(t, store, "foo.grg") == "draft" }, waitFor, 10*time.Millisecond)

	b := dial(t, srv, "bob", "w1")
	b.join("foo.grg")
	assert.Equal(t, "draft", b.editor.Text())
}

func TestHub_SeedsFromExistingContent(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.UpdateFileContent(context.Background(), "w1", "notes.md", "abc"))
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	a.join("notes.md")
	assert.Equal(t, "abc", a.editor.Text())
}

func TestHub_UpdateBeforeJoinIsDropped(t *testing.T) {
	store := newStore(t)
	m := metrics.New(prometheus.NewRegistry())
	_, srv := startHub(t, store, time.Hour, WithMetrics(m))

	a := dial(t, srv, "alice", "w1")
	a.insert("foo.grg", 0, "lost")
	a.editor = replica.NewEditor("alice")
	a.join("foo.grg")

	assert.Equal(t, "", a.editor.Text())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleUpdates))
}

func TestHub_MalformedDeltaIsDropped(t *testing.T) {
	store := newStore(t)
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	b := dial(t, srv, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")
	a.expect(EventUserJoined, nil)

	a.emit(EventDocUpdate, DocUpdate{WorkspaceID: "w1", Path: "foo.grg", Update: "not base64!"})
	a.emit(EventDocUpdate, DocUpdate{WorkspaceID: "w1", Path: "foo.grg", Update: base64.StdEncoding.EncodeToString([]byte(`{"chars":[{}]}`))})
	a.insert("foo.grg", 0, "ok")

	b.receiveUpdate("foo.grg")
	assert.Equal(t, "ok", b.editor.Text())
}

func TestHub_LeaveAndDisconnect(t *testing.T) {
	store := newStore(t)
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	b := dial(t, srv, "bob", "w1")
	for _, p := range []string{"a.txt", "b.txt", "c.txt"} {
		a.join(p)
		b.join(p)
		a.expect(EventUserJoined, nil)
	}

	b.emit(EventLeaveRoom, LeaveRoom{Path: "a.txt"})
	var left Presence
	a.expect(EventUserLeft, &left)
	assert.Equal(t, Presence{UserID: "bob", Path: "a.txt"}, left)

	require.NoError(t, b.conn.Close())
	for _, p := range []string{"b.txt", "c.txt"} {
		a.expect(EventUserLeft, &left)
		assert.Equal(t, Presence{UserID: "bob", Path: p}, left)
	}
}

func TestHub_RepeatedJoinResendsSync(t *testing.T) {
	store := newStore(t)
	_, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	b := dial(t, srv, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")
	a.expect(EventUserJoined, nil)

	a.insert("foo.grg", 0, "x")
	b.receiveUpdate("foo.grg")

	b.join("foo.grg")
	assert.Equal(t, "x", b.editor.Text())
	// No second user-joined reaches a.
	a.expectSilence()
}

type flakyStore struct {
	*catalog.Memory
	fail atomic.Bool
}

func (s *flakyStore) GetFile(ctx context.Context, workspaceID, path string) (*catalog.File, error) {
	if s.fail.Load() {
		return nil, errors.New("storage unavailable")
	}
	return s.Memory.GetFile(ctx, workspaceID, path)
}

func TestHub_LoadFailureKeepsConnection(t *testing.T) {
	store := &flakyStore{Memory: newStore(t)}
	store.fail.Store(true)
	hub, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	a.emit(EventJoinRoom, JoinRoom{WorkspaceID: "w1", Path: "foo.grg"})
	var msg string
	a.expect(EventError, &msg)
	assert.Contains(t, msg, "foo.grg")
	_, ok := hub.registry.Lookup("w1", "foo.grg")
	assert.False(t, ok)

	store.fail.Store(false)
	a.join("foo.grg")
}

func TestHub_ShutdownFlushes(t *testing.T) {
	store := newStore(t)
	hub, srv := startHub(t, store, time.Hour)

	a := dial(t, srv, "alice", "w1")
	b := dial(t, srv, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")
	a.insert("foo.grg", 0, "hello")
	b.receiveUpdate("foo.grg")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))
	assert.Equal(t, "hello", content(t, store, "foo.grg"))
	assert.ErrorIs(t, hub.Shutdown(ctx), ErrStopped)
	b.expectClosed()
}

// startNodes runs two hubs over one store whose relays share a bus.
func startNodes(t *testing.T, store catalog.Store, window time.Duration) (*Hub, *httptest.Server, *Hub, *httptest.Server) {
	t.Helper()
	bus := relay.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	r1 := relay.NewLocal(bus, relay.WithNode("n1"))
	r2 := relay.NewLocal(bus, relay.WithNode("n2"))
	t.Cleanup(func() {
		_ = r1.Close()
		_ = r2.Close()
	})
	cfg := DefaultConfig()
	cfg.StateTimeout = 100 * time.Millisecond
	h1, srv1 := startHub(t, store, window, WithRelay(r1), WithConfig(cfg))
	h2, srv2 := startHub(t, store, window, WithRelay(r2), WithConfig(cfg))
	return h1, srv1, h2, srv2
}

func closed(h *Hub, path string) func() bool {
	return func() bool {
		_, open := h.registry.Lookup("w1", path)
		return !open
	}
}

func TestHub_ConvergesAcrossNodes(t *testing.T) {
	store := newStore(t)
	_, srv1, _, srv2 := startNodes(t, store, 20*time.Millisecond)

	a := dial(t, srv1, "alice", "w1")
	b := dial(t, srv2, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")

	a.insert("foo.grg", 0, "hello")
	b.receiveUpdate("foo.grg")
	assert.Equal(t, "hello", b.editor.Text())

	b.insert("foo.grg", 5, " world")
	a.receiveUpdate("foo.grg")

	assert.Equal(t, "hello world", a.editor.Text())
	assert.Equal(t, "hello world", b.editor.Text())
}

func TestHub_ConcurrentEditsAcrossNodesArePersisted(t *testing.T) {
	store := newStore(t)
	h1, srv1, h2, srv2 := startNodes(t, store, 50*time.Millisecond)

	a := dial(t, srv1, "alice", "w1")
	b := dial(t, srv2, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")

	// Neither side reads before writing.
	a.insert("foo.grg", 0, "A")
	b.insert("foo.grg", 0, "B")
	a.receiveUpdate("foo.grg")
	b.receiveUpdate("foo.grg")

	want := a.editor.Text()
	require.Len(t, want, 2)
	assert.Equal(t, want, b.editor.Text())

	require.NoError(t, a.conn.Close())
	require.NoError(t, b.conn.Close())
	require.Eventually(t, closed(h1, "foo.grg"), waitFor, 10*time.Millisecond)
	require.Eventually(t, closed(h2, "foo.grg"), waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return content(t, store, "foo.grg") == want }, waitFor, 10*time.Millisecond)
}

func TestHub_ReopenWhileAnotherNodeHoldsDocument(t *testing.T) {
	store := newStore(t)
	h1, srv1, _, srv2 := startNodes(t, store, time.Hour)

	a := dial(t, srv1, "alice", "w1")
	b := dial(t, srv2, "bob", "w1")
	// watch shares node 2 with b; reading from it proves node 2 merged b's edits.
	watch := dial(t, srv2, "bob", "w1")
	a.join("foo.grg")
	b.join("foo.grg")
	watch.join("foo.grg")
	b.expect(EventUserJoined, nil)

	a.insert("foo.grg", 0, "hello")
	b.receiveUpdate("foo.grg")
	watch.receiveUpdate("foo.grg")

	require.NoError(t, a.conn.Close())
	require.Eventually(t, closed(h1, "foo.grg"), waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return content(t, store, "foo.grg") == "hello" }, waitFor, 10*time.Millisecond)

	// Node 1 no longer watches the document and the store never sees this
	// edit; only node 2 holds it.
	b.insert("foo.grg", 5, "!")
	watch.receiveUpdate("foo.grg")

	again := dial(t, srv1, "alice", "w1")
	again.join("foo.grg")
	require.Equal(t, "hello!", again.editor.Text())

	again.insert("foo.grg", 6, "X")
	b.insert("foo.grg", 6, "Y")
	again.receiveUpdate("foo.grg")
	b.receiveUpdate("foo.grg")

	assert.Equal(t, again.editor.Text(), b.editor.Text())
	assert.Len(t, b.editor.Text(), len("hello!XY"))
	assert.Contains(t, b.editor.Text(), "X")
	assert.Contains(t, b.editor.Text(), "Y")
}
