package catalog

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type Workspace struct {
	ID          string    `json:"id"`
	ProjectName string    `json:"projectName"`
	Users       []string  `json:"users"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasMember reports whether userID belongs to the workspace.
func (w *Workspace) HasMember(userID string) bool {
	return slices.Contains(w.Users, userID)
}

// File is one document in a workspace. Path is unique within the workspace.
type File struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	// State is the replica state Content was rendered from. It is cleared
	// whenever Content is replaced on its own.
	State     []byte    `json:"state,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Invite struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Email       string    `json:"email"`
	InvitedBy   string    `json:"invitedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the data-access interface over durable records.
type Store interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	AddMember(ctx context.Context, workspaceID, userID string) error
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)

	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, workspaceID, path string) (*File, error)
	ListFiles(ctx context.Context, workspaceID string) ([]*File, error)
	// UpdateFileContent replaces the content of a file, creating it when
	// the path does not exist yet.
	UpdateFileContent(ctx context.Context, workspaceID, path, content string) error
	// SaveSnapshot replaces both the content and the replica state of a file,
	// creating it when the path does not exist yet.
	SaveSnapshot(ctx context.Context, workspaceID, path, content string, state []byte) error
	DeleteFile(ctx context.Context, workspaceID, path string) error

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	CreateInvite(ctx context.Context, inv *Invite) error
	ListInvites(ctx context.Context, workspaceID string) ([]*Invite, error)
	DeleteInvite(ctx context.Context, id string) error

	Close() error
}

// NewID returns a sortable unique record identifier.
func NewID() string {
	return ulid.Make().String()
}

// LoadContent returns the stored content of a file, or "" when the file does
// not exist yet.
func LoadContent(ctx context.Context, s Store, workspaceID, path string) (string, error) {
	f, err := s.GetFile(ctx, workspaceID, path)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.Content, nil
}

// LoadSnapshot returns the stored content and replica state of a file. A
// missing file yields an empty snapshot.
func LoadSnapshot(ctx context.Context, s Store, workspaceID, path string) (content string, state []byte, err error) {
	f, err := s.GetFile(ctx, workspaceID, path)
	if errors.Is(err, ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return f.Content, f.State, nil
}
