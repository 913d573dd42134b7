// Package boltstore is a catalog.Store on an embedded bbolt database, for
// single-node deployments without PostgreSQL.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/catalog"
)

var (
	bucketWorkspaces = []byte("workspaces")
	bucketFiles      = []byte("files") // one sub-bucket per workspace, keyed by path
	bucketUsers      = []byte("users")
	bucketInvites    = []byte("invites")
)

// Store implements catalog.Store.
type Store struct {
	db *bolt.DB
}

var _ catalog.Store = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(file string) (*Store, error) {
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketWorkspaces, bucketFiles, bucketUsers, bucketInvites} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return catalog.ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func (s *Store) CreateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	if ws.ID == "" {
		ws.ID = catalog.NewID()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		if b.Get([]byte(ws.ID)) != nil {
			return fmt.Errorf("workspace %s: %w", ws.ID, catalog.ErrExists)
		}
		return putJSON(b, ws.ID, ws)
	})
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*catalog.Workspace, error) {
	var ws catalog.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketWorkspaces), id, &ws)
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		if b.Get([]byte(ws.ID)) == nil {
			return catalog.ErrNotFound
		}
		return putJSON(b, ws.ID, ws)
	})
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		if b.Get([]byte(id)) == nil {
			return catalog.ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		files := tx.Bucket(bucketFiles)
		if files.Bucket([]byte(id)) != nil {
			if err := files.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		invites := tx.Bucket(bucketInvites)
		var stale [][]byte
		err := invites.ForEach(func(k, v []byte) error {
			var inv catalog.Invite
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if inv.WorkspaceID == id {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := invites.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AddMember(ctx context.Context, workspaceID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		var ws catalog.Workspace
		if err := getJSON(b, workspaceID, &ws); err != nil {
			return err
		}
		if ws.HasMember(userID) {
			return nil
		}
		ws.Users = append(ws.Users, userID)
		return putJSON(b, ws.ID, &ws)
	})
}

func (s *Store) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	ws, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return ws.HasMember(userID), nil
}

func (s *Store) CreateFile(ctx context.Context, f *catalog.File) error {
	if f.ID == "" {
		f.ID = catalog.NewID()
	}
	if f.Name == "" {
		f.Name = path.Base(f.Path)
	}
	f.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketWorkspaces).Get([]byte(f.WorkspaceID)) == nil {
			return fmt.Errorf("workspace %s: %w", f.WorkspaceID, catalog.ErrNotFound)
		}
		b, err := tx.Bucket(bucketFiles).CreateBucketIfNotExists([]byte(f.WorkspaceID))
		if err != nil {
			return err
		}
		if b.Get([]byte(f.Path)) != nil {
			return fmt.Errorf("file %s: %w", f.Path, catalog.ErrExists)
		}
		return putJSON(b, f.Path, f)
	})
}

func (s *Store) GetFile(ctx context.Context, workspaceID, p string) (*catalog.File, error) {
	var f catalog.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles).Bucket([]byte(workspaceID))
		if b == nil {
			return catalog.ErrNotFound
		}
		return getJSON(b, p, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) ListFiles(ctx context.Context, workspaceID string) ([]*catalog.File, error) {
	var out []*catalog.File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles).Bucket([]byte(workspaceID))
		if b == nil {
			return nil
		}
		// Keys are paths, so ForEach already yields them sorted.
		return b.ForEach(func(k, v []byte) error {
			var f catalog.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateFileContent(ctx context.Context, workspaceID, p, content string) error {
	return s.SaveSnapshot(ctx, workspaceID, p, content, nil)
}

func (s *Store) SaveSnapshot(ctx context.Context, workspaceID, p, content string, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketFiles).CreateBucketIfNotExists([]byte(workspaceID))
		if err != nil {
			return err
		}
		var f catalog.File
		err = getJSON(b, p, &f)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			f = catalog.File{ID: catalog.NewID(), WorkspaceID: workspaceID, Path: p, Name: path.Base(p)}
		case err != nil:
			return err
		}
		f.Content = content
		f.State = state
		f.UpdatedAt = time.Now()
		return putJSON(b, p, &f)
	})
}

func (s *Store) DeleteFile(ctx context.Context, workspaceID, p string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles).Bucket([]byte(workspaceID))
		if b == nil || b.Get([]byte(p)) == nil {
			return catalog.ErrNotFound
		}
		return b.Delete([]byte(p))
	})
}

func (s *Store) CreateUser(ctx context.Context, u *catalog.User) error {
	if u.ID == "" {
		u.ID = catalog.NewID()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(u.ID)) != nil {
			return fmt.Errorf("user %s: %w", u.ID, catalog.ErrExists)
		}
		return putJSON(b, u.ID, u)
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (*catalog.User, error) {
	var u catalog.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketUsers), id, &u)
	})
	if err != nil {
		return nil, err
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
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketWorkspaces).Get([]byte(inv.WorkspaceID)) == nil {
			return fmt.Errorf("workspace %s: %w", inv.WorkspaceID, catalog.ErrNotFound)
		}
		return putJSON(tx.Bucket(bucketInvites), inv.ID, inv)
	})
}

func (s *Store) ListInvites(ctx context.Context, workspaceID string) ([]*catalog.Invite, error) {
	var out []*catalog.Invite
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvites).ForEach(func(k, v []byte) error {
			var inv catalog.Invite
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			if inv.WorkspaceID == workspaceID {
				out = append(out, &inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		if b.Get([]byte(id)) == nil {
			return catalog.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}
