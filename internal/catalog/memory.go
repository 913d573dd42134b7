package catalog

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a Store kept in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type Memory struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	files      map[string]map[string]*File // workspace -> path -> file
	users      map[string]*User
	invites    map[string]*Invite
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[string]*Workspace),
		files:      make(map[string]map[string]*File),
		users:      make(map[string]*User),
		invites:    make(map[string]*Invite),
	}
}

func copyWorkspace(ws *Workspace) *Workspace {
	c := *ws
	c.Users = slices.Clone(ws.Users)
	return &c
}

func (m *Memory) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws.ID == "" {
		ws.ID = NewID()
	}
	if _, ok := m.workspaces[ws.ID]; ok {
		return fmt.Errorf("workspace %s: %w", ws.ID, ErrExists)
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	m.workspaces[ws.ID] = copyWorkspace(ws)
	return nil
}

func (m *Memory) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkspace(ws), nil
}

func (m *Memory) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[ws.ID]; !ok {
		return ErrNotFound
	}
	m.workspaces[ws.ID] = copyWorkspace(ws)
	return nil
}

// DeleteWorkspace removes the workspace together with its files and invites.
func (m *Memory) DeleteWorkspace(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[id]; !ok {
		return ErrNotFound
	}
	delete(m.workspaces, id)
	delete(m.files, id)
	for k, inv := range m.invites {
		if inv.WorkspaceID == id {
			delete(m.invites, k)
		}
	}
	return nil
}

func (m *Memory) AddMember(ctx context.Context, workspaceID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return ErrNotFound
	}
	if !ws.HasMember(userID) {
		ws.Users = append(ws.Users, userID)
	}
	return nil
}

func (m *Memory) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return false, ErrNotFound
	}
	return ws.HasMember(userID), nil
}

func (m *Memory) CreateFile(ctx context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[f.WorkspaceID]; !ok {
		return fmt.Errorf("workspace %s: %w", f.WorkspaceID, ErrNotFound)
	}
	byPath := m.files[f.WorkspaceID]
	if byPath == nil {
		byPath = make(map[string]*File)
		m.files[f.WorkspaceID] = byPath
	}
	if _, ok := byPath[f.Path]; ok {
		return fmt.Errorf("file %s: %w", f.Path, ErrExists)
	}
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.Name == "" {
		f.Name = path.Base(f.Path)
	}
	f.UpdatedAt = time.Now()
	c := *f
	c.State = slices.Clone(f.State)
	byPath[f.Path] = &c
	return nil
}

func (m *Memory) GetFile(ctx context.Context, workspaceID, p string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[workspaceID][p]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	c.State = slices.Clone(f.State)
	return &c, nil
}

func (m *Memory) ListFiles(ctx context.Context, workspaceID string) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*File, 0, len(m.files[workspaceID]))
	for _, f := range m.files[workspaceID] {
		c := *f
		c.State = slices.Clone(f.State)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) UpdateFileContent(ctx context.Context, workspaceID, p, content string) error {
	return m.SaveSnapshot(ctx, workspaceID, p, content, nil)
}

func (m *Memory) SaveSnapshot(ctx context.Context, workspaceID, p, content string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPath := m.files[workspaceID]
	if byPath == nil {
		byPath = make(map[string]*File)
		m.files[workspaceID] = byPath
	}
	f, ok := byPath[p]
	if !ok {
		f = &File{ID: NewID(), WorkspaceID: workspaceID, Path: p, Name: path.Base(p)}
		byPath[p] = f
	}
	f.Content = content
	f.State = slices.Clone(state)
	f.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteFile(ctx context.Context, workspaceID, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[workspaceID][p]; !ok {
		return ErrNotFound
	}
	delete(m.files[workspaceID], p)
	return nil
}

func (m *Memory) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == "" {
		u.ID = NewID()
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrExists)
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *Memory) CreateInvite(ctx context.Context, inv *Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[inv.WorkspaceID]; !ok {
		return fmt.Errorf("workspace %s: %w", inv.WorkspaceID, ErrNotFound)
	}
	if inv.ID == "" {
		inv.ID = NewID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	c := *inv
	m.invites[inv.ID] = &c
	return nil
}

func (m *Memory) ListInvites(ctx context.Context, workspaceID string) ([]*Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Invite
	for _, inv := range m.invites {
		if inv.WorkspaceID == workspaceID {
			c := *inv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteInvite(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invites[id]; !ok {
		return ErrNotFound
	}
	delete(m.invites, id)
	return nil
}

func (m *Memory) Close() error { return nil }
