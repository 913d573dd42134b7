// Package catalogtest holds the behavioural tests every catalog.Store
// implementation must pass.
package catalogtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/catalog"
)

// Run exercises store against the catalog.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) catalog.Store) {
	t.Run("Workspace", func(t *testing.T) { testWorkspace(t, newStore(t)) })
	t.Run("Membership", func(t *testing.T) { testMembership(t, newStore(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newStore(t)) })
	t.Run("UpdateFileContentCreates", func(t *testing.T) { testUpdateCreates(t, newStore(t)) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Invites", func(t *testing.T) { testInvites(t, newStore(t)) })
}

func testWorkspace(t *testing.T, s catalog.Store) {
	ctx := context.Background()

	ws := &catalog.Workspace{ProjectName: "demo", Users: []string{"alice"}}
	require.NoError(t, s.CreateWorkspace(ctx, ws))
	require.NotEmpty(t, ws.ID)

	err := s.CreateWorkspace(ctx, &catalog.Workspace{ID: ws.ID})
	assert.ErrorIs(t, err, catalog.ErrExists)

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.ProjectName)
	assert.Equal(t, []string{"alice"}, got.Users)

	got.ProjectName = "renamed"
	require.NoError(t, s.UpdateWorkspace(ctx, got))
	got, err = s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.ProjectName)

	require.NoError(t, s.DeleteWorkspace(ctx, ws.ID))
	_, err = s.GetWorkspace(ctx, ws.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.ErrorIs(t, s.DeleteWorkspace(ctx, ws.ID), catalog.ErrNotFound)
}

func testMembership(t *testing.T, s catalog.Store) {
	ctx := context.Background()

	ws := &catalog.Workspace{ID: "w1", ProjectName: "demo", Users: []string{"alice"}}
	require.NoError(t, s.CreateWorkspace(ctx, ws))

	ok, err := s.IsMember(ctx, "w1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsMember(ctx, "w1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddMember(ctx, "w1", "bob"))
	require.NoError(t, s.AddMember(ctx, "w1", "bob"))
	ok, err = s.IsMember(ctx, "w1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, got.Users)

	_, err = s.IsMember(ctx, "missing", "alice")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func testFiles(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, &catalog.Workspace{ID: "w1"}))

	f := &catalog.File{WorkspaceID: "w1", Path: "src/foo.grg", Content: "v1"}
	require.NoError(t, s.CreateFile(ctx, f))
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "foo.grg", f.Name)

	err := s.CreateFile(ctx, &catalog.File{WorkspaceID: "w1", Path: "src/foo.grg"})
	assert.ErrorIs(t, err, catalog.ErrExists)

	require.NoError(t, s.CreateFile(ctx, &catalog.File{WorkspaceID: "w1", Path: "a.txt"}))

	got, err := s.GetFile(ctx, "w1", "src/foo.grg")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Content)
	assert.Equal(t, f.ID, got.ID)

	require.NoError(t, s.UpdateFileContent(ctx, "w1", "src/foo.grg", "v2"))
	got, err = s.GetFile(ctx, "w1", "src/foo.grg")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, f.ID, got.ID)

	files, err := s.ListFiles(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].Path)
	assert.Equal(t, "src/foo.grg", files[1].Path)

	require.NoError(t, s.DeleteFile(ctx, "w1", "a.txt"))
	_, err = s.GetFile(ctx, "w1", "a.txt")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.ErrorIs(t, s.DeleteFile(ctx, "w1", "a.txt"), catalog.ErrNotFound)

	content, err := catalog.LoadContent(ctx, s, "w1", "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, content)
}

func testUpdateCreates(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, &catalog.Workspace{ID: "w1"}))

	require.NoError(t, s.UpdateFileContent(ctx, "w1", "notes/new.md", "fresh"))
	got, err := s.GetFile(ctx, "w1", "notes/new.md")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Content)
	assert.Equal(t, "new.md", got.Name)
	assert.NotEmpty(t, got.ID)
}

func testUsers(t *testing.T, s catalog.Store) {
	ctx := context.Background()

	u := &catalog.User{Name: "Alice", Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NotEmpty(t, u.ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func testInvites(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, &catalog.Workspace{ID: "w1"}))
	require.NoError(t, s.CreateWorkspace(ctx, &catalog.Workspace{ID: "w2"}))

	inv := &catalog.Invite{WorkspaceID: "w1", Email: "bob@example.com", InvitedBy: "alice"}
	require.NoError(t, s.CreateInvite(ctx, inv))
	require.NoError(t, s.CreateInvite(ctx, &catalog.Invite{WorkspaceID: "w2", Email: "eve@example.com"}))

	invites, err := s.ListInvites(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, "bob@example.com", invites[0].Email)

	require.NoError(t, s.DeleteInvite(ctx, inv.ID))
	invites, err = s.ListInvites(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, invites)
	assert.ErrorIs(t, s.DeleteInvite(ctx, inv.ID), catalog.ErrNotFound)
}

func testSnapshot(t *testing.T, s catalog.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, &catalog.Workspace{ID: "w1"}))

	state := []byte(`{"chars":[]}`)
	require.NoError(t, s.SaveSnapshot(ctx, "w1", "doc.txt", "hello", state))
	content, got, err := catalog.LoadSnapshot(ctx, s, "w1", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, state, got)

	// Replacing the content alone invalidates the state it came from.
	require.NoError(t, s.UpdateFileContent(ctx, "w1", "doc.txt", "edited"))
	content, got, err = catalog.LoadSnapshot(ctx, s, "w1", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "edited", content)
	assert.Empty(t, got)

	content, got, err = catalog.LoadSnapshot(ctx, s, "w1", "missing.txt")
	require.NoError(t, err)
	assert.Empty(t, content)
	assert.Nil(t, got)
}
