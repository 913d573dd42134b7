// Package pgstore is the PostgreSQL catalog.Store, backed by a pgx pool.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/catalog"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store implements catalog.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ catalog.Store = (*Store)(nil)

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the catalog tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func translate(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, catalog.ErrExists)
	}
	return err
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Store) CreateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	if ws.ID == "" {
		ws.ID = catalog.NewID()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	users := ws.Users
	if users == nil {
		users = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, project_name, users, created_at) VALUES ($1, $2, $3, $4)`,
		ws.ID, ws.ProjectName, users, ws.CreatedAt)
	return translate(err, "workspace "+ws.ID)
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*catalog.Workspace, error) {
	var ws catalog.Workspace
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_name, users, created_at FROM workspaces WHERE id = $1`, id).
		Scan(&ws.ID, &ws.ProjectName, &ws.Users, &ws.CreatedAt)
	if err != nil {
		return nil, translate(err, "workspace "+id)
	}
	return &ws, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	users := ws.Users
	if users == nil {
		users = []string{}
	}
	return expectOne(s.pool.Exec(ctx,
		`UPDATE workspaces SET project_name = $2, users = $3 WHERE id = $1`,
		ws.ID, ws.ProjectName, users))
}

// DeleteWorkspace relies on ON DELETE CASCADE for files and invites.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return expectOne(s.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id))
}

func (s *Store) AddMember(ctx context.Context, workspaceID, userID string) error {
	return expectOne(s.pool.Exec(ctx,
		`UPDATE workspaces
		    SET users = CASE WHEN $2 = ANY(users) THEN users ELSE array_append(users, $2) END
		  WHERE id = $1`,
		workspaceID, userID))
}

func (s *Store) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var member bool
	err := s.pool.QueryRow(ctx,
		`SELECT $2 = ANY(users) FROM workspaces WHERE id = $1`, workspaceID, userID).Scan(&member)
	if err != nil {
		return false, translate(err, "workspace "+workspaceID)
	}
	return member, nil
}

func (s *Store) CreateFile(ctx context.Context, f *catalog.File) error {
	if f.ID == "" {
		f.ID = catalog.NewID()
	}
	if f.Name == "" {
		f.Name = path.Base(f.Path)
	}
	f.UpdatedAt = time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, workspace_id, path, name, content, state, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.WorkspaceID, f.Path, f.Name, f.Content, f.State, f.UpdatedAt)
	return translate(err, "file "+f.Path)
}

const fileColumns = `id, workspace_id, path, name, content, state, updated_at`

func scanFile(row pgx.Row) (*catalog.File, error) {
	var f catalog.File
	if err := row.Scan(&f.ID, &f.WorkspaceID, &f.Path, &f.Name, &f.Content, &f.State, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFile(ctx context.Context, workspaceID, p string) (*catalog.File, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE workspace_id = $1 AND path = $2`, workspaceID, p))
	if err != nil {
		return nil, translate(err, "file "+p)
	}
	return f, nil
}

func (s *Store) ListFiles(ctx context.Context, workspaceID string) ([]*catalog.File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE workspace_id = $1 ORDER BY path`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []*catalog.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFileContent(ctx context.Context, workspaceID, p, content string) error {
	if err := s.SaveSnapshot(ctx, workspaceID, p, content, nil); err != nil {
		return fmt.Errorf("failed to update file content: %w", err)
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, workspaceID, p, content string, state []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, workspace_id, path, name, content, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (workspace_id, path) DO UPDATE
		 SET content = EXCLUDED.content, state = EXCLUDED.state, updated_at = now()`,
		catalog.NewID(), workspaceID, p, path.Base(p), content, state)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, workspaceID, p string) error {
	return expectOne(s.pool.Exec(ctx,
		`DELETE FROM files WHERE workspace_id = $1 AND path = $2`, workspaceID, p))
}

func (s *Store) CreateUser(ctx context.Context, u *catalog.User) error {
	if u.ID == "" {
		u.ID = catalog.NewID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email) VALUES ($1, $2, $3)`, u.ID, u.Name, u.Email)
	return translate(err, "user "+u.ID)
}

func (s *Store) GetUser(ctx context.Context, id string) (*catalog.User, error) {
	var u catalog.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		return nil, translate(err, "user "+id)
	}
	return &u, nil
}

func (s *Store) CreateInvite(ctx context.Context, inv *catalog.Invite) error {
	if inv.ID == "" {
		inv.ID = catalog.NewID()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invites (id, workspace_id, email, invited_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
		inv.ID, inv.WorkspaceID, inv.Email, inv.InvitedBy, inv.CreatedAt)
	return translate(err, "invite "+inv.ID)
}

func (s *Store) ListInvites(ctx context.Context, workspaceID string) ([]*catalog.Invite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workspace_id, email, invited_by, created_at FROM invites WHERE workspace_id = $1 ORDER BY id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var out []*catalog.Invite
	for rows.Next() {
		var inv catalog.Invite
		if err := rows.Scan(&inv.ID, &inv.WorkspaceID, &inv.Email, &inv.InvitedBy, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	return expectOne(s.pool.Exec(ctx, `DELETE FROM invites WHERE id = $1`, id))
}
