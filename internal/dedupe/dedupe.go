// Package dedupe prevents double-contacting a prospect and enforces the
// single-owner-per-identity rule. Identities are normalized before
// comparison so URL formatting differences never split one person into two.
package dedupe

import (
	"context"
	"fmt"
	"strings"
)

// DuplicateError indicates another prospect in the workspace already holds
// the normalized identity with an active conversation. The item is skipped,
// not failed.
type DuplicateError struct {
	NormalizedID string
	ProspectID   string // the prospect already holding the identity
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("identity %s already contacted by prospect %s", e.NormalizedID, e.ProspectID)
}

// OwnershipError indicates the prospect is owned by a different account than
// the one dispatching. The item is skipped, not failed.
type OwnershipError struct {
	OwnerAccountID       string
	DispatchingAccountID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("prospect owned by account %s, dispatched by %s", e.OwnerAccountID, e.DispatchingAccountID)
}

// Normalize canonicalizes an external identity for comparison.
// Provider member IDs (ACoAA... / ACwAA...) pass through unchanged. URLs are
// lowercased and reduced to "linkedin.com/in/<vanity>": scheme, www, query
// string, fragment and trailing slashes are stripped.
func Normalize(externalID string) string {
	id := strings.TrimSpace(externalID)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "ACo") || strings.HasPrefix(id, "ACw") {
		return id
	}

	id = strings.ToLower(id)
	id = strings.TrimPrefix(id, "https://")
	id = strings.TrimPrefix(id, "http://")
	id = strings.TrimPrefix(id, "www.")
	if i := strings.IndexAny(id, "?#"); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimRight(id, "/")

	// reduce profile URLs to the vanity slug
	if i := strings.Index(id, "linkedin.com/in/"); i >= 0 {
		vanity := id[i+len("linkedin.com/in/"):]
		if j := strings.IndexByte(vanity, '/'); j >= 0 {
			vanity = vanity[:j]
		}
		if vanity != "" {
			return "linkedin.com/in/" + vanity
		}
	}
	return id
}

// IdentityIndex is the store lookup the resolver needs: every prospect in
// the workspace sharing a normalized identity.
type IdentityIndex interface {
	ProspectsByIdentity(ctx context.Context, workspaceID, normalizedID string) ([]Holder, error)
}

// Holder is one prospect row returned by the identity index.
type Holder struct {
	ProspectID  string
	CampaignID  string
	Contactable bool // status in {connection_request_sent, connected, messaging}
}

// Resolver validates a prospect against workspace-wide duplicate and
// ownership rules before dispatch.
type Resolver struct {
	index IdentityIndex
}

// NewResolver creates a resolver backed by the given identity index.
func NewResolver(index IdentityIndex) *Resolver {
	return &Resolver{index: index}
}

// CheckInput carries the prospect fields the resolver inspects.
type CheckInput struct {
	ProspectID     string
	WorkspaceID    string
	NormalizedID   string
	OwnerAccountID string // empty = legacy/unclaimed, satisfiable by any account
}

// Check returns nil when dispatch may proceed, a *DuplicateError when
// another prospect holds the identity with an active conversation, or an
// *OwnershipError when the prospect belongs to a different account.
func (r *Resolver) Check(ctx context.Context, in CheckInput, dispatchingAccountID string) error {
	if in.OwnerAccountID != "" && in.OwnerAccountID != dispatchingAccountID {
		return &OwnershipError{
			OwnerAccountID:       in.OwnerAccountID,
			DispatchingAccountID: dispatchingAccountID,
		}
	}

	if in.NormalizedID == "" {
		return nil
	}
	holders, err := r.index.ProspectsByIdentity(ctx, in.WorkspaceID, in.NormalizedID)
	if err != nil {
		return fmt.Errorf("identity lookup failed: %w", err)
	}
	for _, h := range holders {
		if h.ProspectID == in.ProspectID {
			continue
		}
		if h.Contactable {
			return &DuplicateError{NormalizedID: in.NormalizedID, ProspectID: h.ProspectID}
		}
	}
	return nil
}
