// Package access gates document joins and mutations against the external
// authorization collaborator.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inkroom/collab/internal/errs"
	"github.com/inkroom/collab/internal/obs"
)

// Role is the access level a user holds on a document.
type Role int

const (
	RoleDenied Role = iota
	RoleRead
	RoleWrite
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	default:
		return "denied"
	}
}

// CanWrite reports whether the role permits mutation.
func (r Role) CanWrite() bool { return r == RoleWrite }

// Resolver is the external authorization collaborator. Owners and workspace
// editors/admins can write; workspace viewers can read.
type Resolver interface {
	CanRead(ctx context.Context, docID, userID string) (bool, error)
	CanWrite(ctx context.Context, docID, userID string) (bool, error)
}

// Gateway computes roles from the resolver. It holds no cache: roles can
// change mid-session, so every mutation is re-checked.
type Gateway struct {
	resolver Resolver
	log      *slog.Logger
}

// NewGateway creates a gateway over the given resolver.
func NewGateway(resolver Resolver) *Gateway {
	return &Gateway{resolver: resolver, log: obs.Pkg("access")}
}

// AuthorizeJoin resolves the role a user holds on a document. RoleDenied
// comes back as a nil error; resolver failures are reported as such.
func (g *Gateway) AuthorizeJoin(ctx context.Context, docID, userID string) (Role, error) {
	ok, err := g.resolver.CanWrite(ctx, docID, userID)
	if err != nil {
		return RoleDenied, fmt.Errorf("resolve write access for %s: %w", userID, err)
	}
	if ok {
		return RoleWrite, nil
	}
	ok, err = g.resolver.CanRead(ctx, docID, userID)
	if err != nil {
		return RoleDenied, fmt.Errorf("resolve read access for %s: %w", userID, err)
	}
	if ok {
		return RoleRead, nil
	}
	return RoleDenied, nil
}

// AuthorizeMutation re-checks write access for an incoming update. It is
// called on every update rather than once per session, so a demotion takes
// effect immediately.
func (g *Gateway) AuthorizeMutation(ctx context.Context, docID, userID string) error {
	ok, err := g.resolver.CanWrite(ctx, docID, userID)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "authorization check failed", err)
	}
	if !ok {
		return errs.New(errs.PermissionDenied, "write access denied")
	}
	return nil
}
