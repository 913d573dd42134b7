// Package session tracks which documents are open in this process and which
// connections are editing each of them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"collabtext/internal/logging"
	"collabtext/internal/replica"
)

// ErrNoDocument is returned when a client is registered against a document
// session that does not exist.
var ErrNoDocument = errors.New("no document session")

// Document is the live pairing of one replica with the connections editing it.
// Its methods and Replica are not synchronized; use them from the goroutine
// that drives the registry.
type Document struct {
	WorkspaceID string
	Path        string
	Replica     replica.Replica

	clients map[string]string // connection id -> user id
}

// Len returns the number of joined connections.
func (d *Document) Len() int {
	return len(d.clients)
}

type docRef struct {
	workspaceID string
	path        string
}

type workspace struct {
	id   string
	docs map[string]*Document
}

// Removal describes the effect of removing a client from one document.
type Removal struct {
	Document *Document
	ConnID   string
	UserID   string
	// Closed is set when the document session was torn down.
	Closed bool
	// Released is set when the workspace holds no more open documents.
	Released bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Workspaces int
	Documents  int
	Clients    int
}

// Registry is the table workspace -> path -> document session. It is owned
// by one protocol handler; construct one per server, or per test.
type Registry struct {
	mu         sync.Mutex
	newReplica replica.Factory
	workspaces map[string]*workspace
	clients    map[string]map[docRef]struct{}

	onOpen     func(*Document)
	onTeardown func(*Document)
	log        zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpenHook runs fn after a document session is created.
func WithOpenHook(fn func(*Document)) Option {
	return func(r *Registry) { r.onOpen = fn }
}

// WithTeardownHook runs fn after a document session loses its last client
// and before its replica is dropped. Calls happen outside the registry lock.
func WithTeardownHook(fn func(*Document)) Option {
	return func(r *Registry) { r.onTeardown = fn }
}

// NewRegistry returns an empty registry that builds replicas with factory.
func NewRegistry(factory replica.Factory, opts ...Option) *Registry {
	r := &Registry{
		newReplica: factory,
		workspaces: make(map[string]*workspace),
		clients:    make(map[string]map[docRef]struct{}),
		log:        logging.For("session"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateDocument returns the document session for (workspaceID, path),
// creating it with a replica restored from seed() when absent. seed runs
// with the registry locked, so concurrent callers never create two replicas
// for the same key. created reports whether this call made the session.
func (r *Registry) GetOrCreateDocument(workspaceID, path string, seed func() (replica.Snapshot, error)) (doc *Document, created bool, err error) {
	r.mu.Lock()
	if ws, ok := r.workspaces[workspaceID]; ok {
		if d, ok := ws.docs[path]; ok {
			r.mu.Unlock()
			return d, false, nil
		}
	}

	var snap replica.Snapshot
	if seed != nil {
		if snap, err = seed(); err != nil {
			r.mu.Unlock()
			return nil, false, fmt.Errorf("failed to load %s:%s: %w", workspaceID, path, err)
		}
	}
	rep, err := replica.Restore(r.newReplica, snap)
	if err != nil {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("failed to create replica: %w", err)
	}

	ws, ok := r.workspaces[workspaceID]
	if !ok {
		ws = &workspace{id: workspaceID, docs: make(map[string]*Document)}
		r.workspaces[workspaceID] = ws
	}
	doc = &Document{WorkspaceID: workspaceID, Path: path, Replica: rep, clients: make(map[string]string)}
	ws.docs[path] = doc
	r.mu.Unlock()

	r.log.Info().Str("workspace", workspaceID).Str("path", path).Int("seed_bytes", len(snap.Text)).Bool("from_state", len(snap.State) > 0).Msg("document session opened")
	if r.onOpen != nil {
		r.onOpen(doc)
	}
	return doc, true, nil
}

// Lookup returns the document session for (workspaceID, path), if open.
func (r *Registry) Lookup(workspaceID, path string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(workspaceID, path)
}

func (r *Registry) lookup(workspaceID, path string) (*Document, bool) {
	ws, ok := r.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	d, ok := ws.docs[path]
	return d, ok
}

// RegisterClient adds connID, editing as userID, to an open document session.
func (r *Registry) RegisterClient(workspaceID, path, connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.lookup(workspaceID, path)
	if !ok {
		return fmt.Errorf("%s:%s: %w", workspaceID, path, ErrNoDocument)
	}
	d.clients[connID] = userID
	refs := r.clients[connID]
	if refs == nil {
		refs = make(map[docRef]struct{})
		r.clients[connID] = refs
	}
	refs[docRef{workspaceID, path}] = struct{}{}
	return nil
}

// Leave removes connID from one document session.
func (r *Registry) Leave(connID, workspaceID, path string) (Removal, bool) {
	r.mu.Lock()
	rm, ok := r.remove(connID, docRef{workspaceID, path})
	r.mu.Unlock()

	if ok {
		r.finish([]Removal{rm})
	}
	return rm, ok
}

// RemoveClient removes connID from every document session it belongs to.
// Removals are ordered by workspace, then path.
func (r *Registry) RemoveClient(connID string) []Removal {
	r.mu.Lock()
	refs := make([]docRef, 0, len(r.clients[connID]))
	for ref := range r.clients[connID] {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].workspaceID != refs[j].workspaceID {
			return refs[i].workspaceID < refs[j].workspaceID
		}
		return refs[i].path < refs[j].path
	})

	var out []Removal
	for _, ref := range refs {
		if rm, ok := r.remove(connID, ref); ok {
			out = append(out, rm)
		}
	}
	r.mu.Unlock()

	r.finish(out)
	return out
}

// remove must be called with r.mu held.
func (r *Registry) remove(connID string, ref docRef) (Removal, bool) {
	refs := r.clients[connID]
	if _, ok := refs[ref]; !ok {
		return Removal{}, false
	}
	delete(refs, ref)
	if len(refs) == 0 {
		delete(r.clients, connID)
	}

	d, ok := r.lookup(ref.workspaceID, ref.path)
	if !ok {
		return Removal{}, false
	}
	rm := Removal{Document: d, ConnID: connID, UserID: d.clients[connID]}
	delete(d.clients, connID)
	if len(d.clients) == 0 {
		rm.Closed = true
		rm.Released = r.drop(d)
	}
	return rm, true
}

// drop unlinks a document and reports whether its workspace entry went too.
// Must be called with r.mu held.
func (r *Registry) drop(d *Document) bool {
	ws := r.workspaces[d.WorkspaceID]
	delete(ws.docs, d.Path)
	if len(ws.docs) == 0 {
		delete(r.workspaces, d.WorkspaceID)
		return true
	}
	return false
}

func (r *Registry) finish(removals []Removal) {
	for _, rm := range removals {
		if !rm.Closed {
			continue
		}
		if r.onTeardown != nil {
			r.onTeardown(rm.Document)
		}
		r.log.Info().Str("workspace", rm.Document.WorkspaceID).Str("path", rm.Document.Path).
			Bool("workspace_released", rm.Released).Msg("document session closed")
	}
}

// Open returns the open document paths of every workspace, sorted.
func (r *Registry) Open() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.workspaces))
	for id, ws := range r.workspaces {
		paths := make([]string, 0, len(ws.docs))
		for p := range ws.docs {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out[id] = paths
	}
	return out
}

// Stats returns the number of open workspaces, documents and clients.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Workspaces: len(r.workspaces), Clients: len(r.clients)}
	for _, ws := range r.workspaces {
		s.Documents += len(ws.docs)
	}
	return s
}
