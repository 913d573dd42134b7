// Package collab implements the synchronization protocol: it admits
// websocket connections, joins them to document sessions and moves deltas
// between them.
package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabtext/internal/access"
	"collabtext/internal/catalog"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/persist"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/room"
	"collabtext/internal/session"
)

// ErrStopped is returned by Shutdown when called twice.
var ErrStopped = errors.New("hub stopped")

// Authorizer decides whether a handshake identity may enter a workspace.
type Authorizer interface {
	Authorize(ctx context.Context, userID, workspaceID string) (bool, error)
}

// Config tunes a Hub.
type Config struct {
	// SendBuffer is the number of frames queued per connection before it is
	// dropped as a slow consumer.
	SendBuffer int
	// LoadTimeout bounds reading a document's durable content on first join.
	LoadTimeout time.Duration
	// FlushTimeout bounds the write made when a document session closes.
	FlushTimeout time.Duration
	// RelayTimeout bounds each relay call.
	RelayTimeout time.Duration
	// StateTimeout is how long a newly opened document waits for other
	// nodes to send their state before its first clients are synced.
	StateTimeout time.Duration
}

// DefaultConfig returns the hub's default tuning.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   256,
		LoadTimeout:  5 * time.Second,
		FlushTimeout: 5 * time.Second,
		RelayTimeout: 2 * time.Second,
		StateTimeout: 300 * time.Millisecond,
	}
}

type inbound struct {
	client *client
	msg    Inbound
}

// opening is a document session waiting for the state of other nodes.
// Clients joining meanwhile get their sync once it completes.
type opening struct {
	name    string
	doc     *session.Document
	waiting []*client
	timer   *time.Timer
}

// Hub owns every connection of the process. All registry and replica
// access happens on the goroutine running Run.
type Hub struct {
	cfg      Config
	registry *session.Registry
	gate     Authorizer
	store    catalog.Store
	bridge   *persist.Bridge
	relay    relay.Relay
	rooms    *room.Rooms
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	opened     chan *opening
	quit       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	// Loop-owned.
	clients map[string]*client
	slow    []*client
	opening map[string]*opening
}

// Option configures a Hub.
type Option func(*Hub)

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg }
}

// WithRelay fans accepted deltas out to other processes.
func WithRelay(r relay.Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// WithMetrics records hub activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub wires the protocol handler to its collaborators. Call Run to start
// the event loop.
func NewHub(registry *session.Registry, gate Authorizer, store catalog.Store, bridge *persist.Bridge, opts ...Option) *Hub {
	h := &Hub{
		cfg:      DefaultConfig(),
		registry: registry,
		gate:     gate,
		store:    store,
		bridge:   bridge,
		relay:    relay.Nop{},
		rooms:    room.New(),
		log:      logging.For("collab"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound),
		opened:     make(chan *opening),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[string]*client),
		opening:    make(map[string]*opening),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes hub events until Shutdown.
func (h *Hub) Run() {
	defer close(h.stopped)
	updates := h.relay.Updates()
	for {
		select {
		case c := <-h.register:
			h.attach(c)
		case c := <-h.unregister:
			h.detach(c)
		case in := <-h.inbound:
			h.dispatch(in.client, in.msg)
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			h.remote(u)
		case op := <-h.opened:
			h.ready(op)
		case <-h.quit:
			for _, c := range h.clients {
				h.detach(c)
			}
			return
		}
		h.reap()
	}
}

// Shutdown stops the loop, disconnects every client and flushes pending
// snapshots.
func (h *Hub) Shutdown(ctx context.Context) error {
	first := false
	h.stopOnce.Do(func() {
		first = true
		close(h.quit)
	})
	if !first {
		return ErrStopped
	}
	select {
	case <-h.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.bridge.Close(ctx)
}

// ServeWS upgrades a handshake carrying userId and workspaceId query
// parameters and admits it if the gate allows.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	workspaceID := r.URL.Query().Get("workspaceId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	log := h.log.With().Str("user", userID).Str("workspace", workspaceID).Logger()

	allowed, err := h.gate.Authorize(r.Context(), userID, workspaceID)
	if err != nil {
		log.Error().Err(err).Msg("authorization lookup failed")
	}
	if !allowed {
		h.metrics.Denied()
		log.Warn().Msg("connection denied")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(access.ErrDenied.Error()))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, access.ErrDenied.Error()))
		conn.Close()
		return
	}

	id := uuid.NewString()
	c := &client{
		hub:         h,
		conn:        conn,
		id:          id,
		userID:      userID,
		workspaceID: workspaceID,
		send:        make(chan []byte, h.cfg.SendBuffer),
		log:         log.With().Str("conn", id).Logger(),
		joined:      make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// deliver hands a decoded frame to the loop. It reports false once the hub
// has stopped.
func (h *Hub) deliver(c *client, msg Inbound) bool {
	select {
	case h.inbound <- inbound{c, msg}:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) attach(c *client) {
	c.state = stateAuthorized
	h.clients[c.id] = c
	h.metrics.ClientConnected()
	c.log.Info().Msg("client connected")
}

// detach runs the disconnect sweep. Safe to call more than once.
func (h *Hub) detach(c *client) {
	if c.state == stateDisconnected {
		return
	}
	for _, rm := range h.registry.RemoveClient(c.id) {
		h.departed(c, rm)
	}
	c.state = stateDisconnected
	c.joined = nil
	delete(h.clients, c.id)
	close(c.send)
	h.metrics.ClientDisconnected()
	c.log.Info().Msg("client disconnected")
}

// reap disconnects clients whose send buffer overflowed.
func (h *Hub) reap() {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		if c.state != stateDisconnected {
			c.log.Warn().Msg("dropping slow consumer")
			h.detach(c)
		}
	}
}

func (h *Hub) sendTo(c *client, msg []byte) {
	if !c.Send(msg) {
		h.slow = append(h.slow, c)
	}
}

func (h *Hub) broadcast(name string, msg []byte, except string) {
	for _, m := range h.rooms.Broadcast(name, msg, except) {
		h.slow = append(h.slow, m.(*client))
	}
}

// dispatch routes msg according to the connection's phase.
func (h *Hub) dispatch(c *client, msg Inbound) {
	switch c.state {
	case stateConnecting, stateDisconnected:
		c.log.Debug().Stringer("state", c.state).Msg("ignoring frame outside a session")
	case stateAuthorized:
		h.dispatchAuthorized(c, msg)
	case stateJoined:
		h.dispatchJoined(c, msg)
	}
}

func (h *Hub) dispatchAuthorized(c *client, msg Inbound) {
	switch m := msg.(type) {
	case JoinRoom:
		h.join(c, m)
	case DocUpdate:
		h.stale(c, m.WorkspaceID, m.Path)
	case LeaveRoom:
		c.log.Debug().Str("path", m.Path).Msg("leave without join")
	}
}

func (h *Hub) dispatchJoined(c *client, msg Inbound) {
	switch m := msg.(type) {
	case JoinRoom:
		h.join(c, m)
	case DocUpdate:
		h.update(c, m)
	case LeaveRoom:
		h.leaveRoom(c, m)
	}
}

func (h *Hub) join(c *client, m JoinRoom) {
	log := c.log.With().Str("path", m.Path).Logger()
	if m.WorkspaceID != c.workspaceID {
		log.Warn().Str("requested", m.WorkspaceID).Msg("join outside handshake workspace")
		h.metrics.Denied()
		h.sendTo(c, errorFrame(access.ErrDenied.Error()))
		h.detach(c)
		return
	}

	name := room.Name(c.workspaceID, m.Path)
	if _, ok := c.joined[m.Path]; ok {
		if _, waiting := h.opening[name]; waiting {
			return
		}
		if doc, ok := h.registry.Lookup(c.workspaceID, m.Path); ok {
			h.sync(c, doc)
		}
		return
	}

	doc, created, err := h.registry.GetOrCreateDocument(c.workspaceID, m.Path, h.seed(c.workspaceID, m.Path))
	if err != nil {
		log.Error().Err(err).Msg("failed to open document")
		h.sendTo(c, errorFrame("failed to open document "+m.Path))
		return
	}
	if created {
		h.watch(doc)
		h.open(name, doc)
	}

	h.rooms.Join(name, c)
	if err := h.registry.RegisterClient(c.workspaceID, m.Path, c.id, c.userID); err != nil {
		// Unreachable while the loop is the only caller.
		h.rooms.Leave(name, c.id)
		log.Error().Err(err).Msg("failed to register client")
		return
	}
	c.joined[m.Path] = struct{}{}
	c.state = stateJoined
	log.Info().Int("clients", doc.Len()).Msg("joined document")

	if op, ok := h.opening[name]; ok {
		op.waiting = append(op.waiting, c)
	} else {
		h.sync(c, doc)
	}
	h.broadcast(name, mustEncode(EventUserJoined, Presence{UserID: c.userID, Path: m.Path}), c.id)
}

func (h *Hub) seed(workspaceID, path string) func() (replica.Snapshot, error) {
	return func() (replica.Snapshot, error) {
		return h.load(workspaceID, path)
	}
}

func (h *Hub) load(workspaceID, path string) (replica.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.LoadTimeout)
	defer cancel()
	text, full, err := catalog.LoadSnapshot(ctx, h.store, workspaceID, path)
	return replica.Snapshot{Text: text, State: full}, err
}

// open asks the other nodes for their state of a document this node just
// opened. Without peers there is nobody to wait for.
func (h *Hub) open(name string, doc *session.Document) {
	if _, nop := h.relay.(relay.Nop); nop {
		return
	}
	op := &opening{name: name, doc: doc}
	op.timer = time.AfterFunc(h.cfg.StateTimeout, func() {
		select {
		case h.opened <- op:
		case <-h.quit:
		}
	})
	h.opening[name] = op
	h.publish(relay.Update{Kind: relay.KindStateRequest, WorkspaceID: doc.WorkspaceID, Path: doc.Path})
}

// ready syncs the clients that joined while op was waiting.
func (h *Hub) ready(op *opening) {
	if h.opening[op.name] != op {
		return
	}
	delete(h.opening, op.name)
	op.timer.Stop()
	for _, c := range op.waiting {
		if _, ok := c.joined[op.doc.Path]; ok {
			h.sync(c, op.doc)
		}
	}
}

// snapshot schedules the durable write of doc's current state.
func (h *Hub) snapshot(doc *session.Document) {
	full, err := doc.Replica.FullStateDelta()
	if err != nil {
		h.log.Error().Err(err).Str("path", doc.Path).Msg("failed to encode document state")
	}
	snap := replica.Snapshot{Text: doc.Replica.Text(), State: full}
	if err := h.bridge.Schedule(persist.Key{WorkspaceID: doc.WorkspaceID, Path: doc.Path}, snap); err != nil {
		h.log.Error().Err(err).Str("path", doc.Path).Msg("failed to schedule snapshot")
	}
}

func (h *Hub) sync(c *client, doc *session.Document) {
	delta, err := doc.Replica.FullStateDelta()
	if err != nil {
		c.log.Error().Err(err).Str("path", doc.Path).Msg("failed to encode document state")
		return
	}
	h.sendTo(c, mustEncode(EventSync, Sync{Path: doc.Path, Update: base64.StdEncoding.EncodeToString(delta)}))
}

func (h *Hub) stale(c *client, workspaceID, path string) {
	h.metrics.StaleUpdate()
	c.log.Debug().Str("path", path).Str("target_workspace", workspaceID).Msg("dropping update for a session not joined")
}

func (h *Hub) update(c *client, m DocUpdate) {
	workspaceID := m.WorkspaceID
	if workspaceID == "" {
		workspaceID = c.workspaceID
	}
	if _, ok := c.joined[m.Path]; !ok || workspaceID != c.workspaceID {
		h.stale(c, workspaceID, m.Path)
		return
	}
	doc, ok := h.registry.Lookup(workspaceID, m.Path)
	if !ok {
		h.stale(c, workspaceID, m.Path)
		return
	}

	delta, err := base64.StdEncoding.DecodeString(m.Update)
	if err != nil {
		c.log.Warn().Err(err).Str("path", m.Path).Msg("dropping update with bad encoding")
		return
	}
	if err := doc.Replica.ApplyDelta(delta); err != nil {
		c.log.Warn().Err(err).Str("path", m.Path).Msg("dropping update")
		return
	}
	h.metrics.Update()

	h.snapshot(doc)
	h.broadcast(room.Name(workspaceID, m.Path), mustEncode(DocUpdateEvent(m.Path), m.Update), c.id)
	h.publish(relay.Update{WorkspaceID: workspaceID, Path: m.Path, Update: m.Update})
}

func (h *Hub) leaveRoom(c *client, m LeaveRoom) {
	if _, ok := c.joined[m.Path]; !ok {
		c.log.Debug().Str("path", m.Path).Msg("leave without join")
		return
	}
	if rm, ok := h.registry.Leave(c.id, c.workspaceID, m.Path); ok {
		h.departed(c, rm)
	}
	delete(c.joined, m.Path)
	if len(c.joined) == 0 {
		c.state = stateAuthorized
	}
	c.log.Info().Str("path", m.Path).Msg("left document")
}

// departed finishes one registry removal: room membership, presence and,
// when the session closed, the final flush.
func (h *Hub) departed(c *client, rm session.Removal) {
	name := room.Name(rm.Document.WorkspaceID, rm.Document.Path)
	h.rooms.Leave(name, c.id)
	h.broadcast(name, mustEncode(EventUserLeft, Presence{UserID: c.userID, Path: rm.Document.Path}), "")
	if rm.Closed {
		h.teardown(rm.Document)
	}
}

// teardown persists the last state of a closed session before its replica
// is dropped, so the next join reseeds from it.
func (h *Hub) teardown(doc *session.Document) {
	log := h.log.With().Str("workspace", doc.WorkspaceID).Str("path", doc.Path).Logger()
	name := room.Name(doc.WorkspaceID, doc.Path)
	if op, ok := h.opening[name]; ok && op.doc == doc {
		op.timer.Stop()
		delete(h.opening, name)
	}
	h.reconcile(doc)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.FlushTimeout)
	defer cancel()
	if err := h.bridge.Flush(ctx, persist.Key{WorkspaceID: doc.WorkspaceID, Path: doc.Path}); err != nil {
		log.Error().Err(err).Msg("failed to flush closed document")
	}
	h.unwatch(doc)
}

// reconcile merges the stored state into doc before its final write, so a
// snapshot written by another node is extended rather than overwritten.
func (h *Hub) reconcile(doc *session.Document) {
	stored, err := h.load(doc.WorkspaceID, doc.Path)
	if err != nil {
		h.log.Warn().Err(err).Str("path", doc.Path).Msg("failed to read stored state")
		return
	}
	if len(stored.State) > 0 {
		if err := doc.Replica.ApplyDelta(stored.State); err != nil {
			h.log.Warn().Err(err).Str("path", doc.Path).Msg("ignoring stored state")
		}
	}
	full, err := doc.Replica.FullStateDelta()
	if err != nil {
		return
	}
	if stored.Text != doc.Replica.Text() || (len(stored.State) > 0 && !bytes.Equal(stored.State, full)) {
		h.snapshot(doc)
	}
}

func (h *Hub) relayContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.cfg.RelayTimeout)
}

func (h *Hub) watch(doc *session.Document) {
	ctx, cancel := h.relayContext()
	defer cancel()
	if err := h.relay.Watch(ctx, doc.WorkspaceID, doc.Path); err != nil {
		h.log.Error().Err(err).Str("workspace", doc.WorkspaceID).Str("path", doc.Path).Msg("failed to watch relay")
	}
}

func (h *Hub) unwatch(doc *session.Document) {
	ctx, cancel := h.relayContext()
	defer cancel()
	if err := h.relay.Unwatch(ctx, doc.WorkspaceID, doc.Path); err != nil {
		h.log.Error().Err(err).Str("workspace", doc.WorkspaceID).Str("path", doc.Path).Msg("failed to unwatch relay")
	}
}

func (h *Hub) publish(u relay.Update) {
	ctx, cancel := h.relayContext()
	defer cancel()
	if err := h.relay.Publish(ctx, u); err != nil {
		h.log.Error().Err(err).Str("workspace", u.WorkspaceID).Str("path", u.Path).Msg("failed to relay update")
	}
}

// remote handles a message from another node: a delta to merge, a request
// for this node's state, or the reply to such a request.
func (h *Hub) remote(u relay.Update) {
	doc, ok := h.registry.Lookup(u.WorkspaceID, u.Path)
	if !ok {
		h.log.Debug().Str("workspace", u.WorkspaceID).Str("path", u.Path).Msg("dropping relayed update for closed document")
		return
	}
	name := room.Name(u.WorkspaceID, u.Path)

	switch u.Kind {
	case relay.KindStateRequest:
		full, err := doc.Replica.FullStateDelta()
		if err != nil {
			h.log.Error().Err(err).Str("path", u.Path).Msg("failed to encode document state")
			return
		}
		h.publish(relay.Update{
			Kind:        relay.KindState,
			To:          u.Node,
			WorkspaceID: u.WorkspaceID,
			Path:        u.Path,
			Update:      base64.StdEncoding.EncodeToString(full),
		})
	case relay.KindState:
		if !h.merge(doc, u) {
			return
		}
		if op, ok := h.opening[name]; ok && op.doc == doc {
			h.ready(op)
			return
		}
		h.broadcast(name, mustEncode(DocUpdateEvent(u.Path), u.Update), "")
	default:
		if !h.merge(doc, u) {
			return
		}
		h.broadcast(name, mustEncode(DocUpdateEvent(u.Path), u.Update), "")
	}
}

// merge applies a relayed delta or state to doc and schedules its snapshot.
func (h *Hub) merge(doc *session.Document, u relay.Update) bool {
	delta, err := base64.StdEncoding.DecodeString(u.Update)
	if err != nil {
		h.log.Warn().Err(err).Str("node", u.Node).Msg("dropping relayed update with bad encoding")
		return false
	}
	if err := doc.Replica.ApplyDelta(delta); err != nil {
		h.log.Warn().Err(err).Str("node", u.Node).Msg("dropping relayed update")
		return false
	}
	h.snapshot(doc)
	return true
}

func errorFrame(msg string) []byte {
	return mustEncode(EventError, msg)
}
