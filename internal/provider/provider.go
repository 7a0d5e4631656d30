// Package provider is the outbound messaging API boundary. The scheduler
// consumes it through the Client interface; errors carry a machine-readable
// category so the dispatcher can decide between backoff retry and permanent
// failure without string matching.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a provider failure.
type Category string

const (
	CategoryRateLimited  Category = "rate_limited"
	CategoryUnauthorized Category = "unauthorized"
	CategoryNotFound     Category = "not_found"
	CategoryNetwork      Category = "network"
	CategoryUnknown      Category = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Op       string
	Category Category
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: %s: %s", e.Op, e.Category, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Category)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether a retry with backoff may succeed.
func (e *Error) Temporary() bool {
	switch e.Category {
	case CategoryRateLimited, CategoryNetwork:
		return true
	}
	return false
}

// IsTemporary reports whether err is a provider error worth retrying.
func IsTemporary(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return false
}

// CategoryOf extracts the failure category, or CategoryUnknown for
// non-provider errors.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryUnknown
}

// SendResult is the provider's acknowledgement of a dispatched message.
type SendResult struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ThreadID          string `json:"thread_id,omitempty"`
}

// Invitation is one pending (unanswered) connection request.
type Invitation struct {
	ProviderID string `json:"provider_id"`
	SentAt     string `json:"sent_at,omitempty"`
}

// Relation is one established first-degree connection.
type Relation struct {
	ProviderID string `json:"provider_id"`
}

// Client is the outbound messaging API consumed by the dispatcher and the
// acceptance poller. Implementations must honor the idempotency key on
// send operations: replaying a call with the same key produces exactly one
// external send.
type Client interface {
	// ResolveIdentity resolves an external profile URL to a provider ID.
	ResolveIdentity(ctx context.Context, accountProviderID, externalURL string) (string, error)

	// SendInvitation sends a connection request.
	SendInvitation(ctx context.Context, accountProviderID, providerID, message, idempotencyKey string) (*SendResult, error)

	// SendMessage sends a message to an established connection.
	SendMessage(ctx context.Context, accountProviderID, providerID, message, idempotencyKey string) (*SendResult, error)

	// PendingInvitations lists connection requests not yet answered.
	PendingInvitations(ctx context.Context, accountProviderID string) ([]Invitation, error)

	// Relations lists established connections.
	Relations(ctx context.Context, accountProviderID string) ([]Relation, error)
}
