// Package access decides whether a connecting identity may enter a
// workspace's editing sessions.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collabtext/internal/catalog"
	"collabtext/internal/logging"
)

// ErrDenied is reported to clients that fail authorization.
var ErrDenied = errors.New("unauthorized access to workspace")

// Membership is the part of the catalog the gate reads.
type Membership interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// Gate authorizes connections once, at handshake time.
type Gate struct {
	members Membership
	timeout time.Duration
	log     zerolog.Logger
}

// NewGate returns a gate that bounds each lookup by timeout. A zero timeout
// leaves the caller's context alone.
func NewGate(members Membership, timeout time.Duration) *Gate {
	return &Gate{members: members, timeout: timeout, log: logging.For("access")}
}

// Authorize reports whether userID is a current member of workspaceID. An
// unknown workspace is a plain denial; a failed lookup is a denial with the
// lookup error attached. Callers never retry.
func (g *Gate) Authorize(ctx context.Context, userID, workspaceID string) (bool, error) {
	if userID == "" || workspaceID == "" {
		return false, nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ok, err := g.members.IsMember(ctx, workspaceID, userID)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		g.log.Debug().Str("workspace", workspaceID).Msg("authorization against unknown workspace")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}
