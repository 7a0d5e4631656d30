// Package events is the inbound signal feed: connection acceptances and
// prospect replies, delivered either by polling the provider or by webhook
// push. Delivery is at-least-once; every consumer behind the Handler
// interface must tolerate duplicates.
package events

import (
	"context"
	"time"
)

// Type identifies an inbound event.
type Type string

const (
	TypeAccepted Type = "connection_accepted"
	TypeReplied  Type = "message_replied"
)

// Event is one inbound signal, already resolved to a prospect.
type Event struct {
	Type       Type      `json:"type"`
	ProspectID string    `json:"prospect_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Handler consumes resolved events. The sequencer implements this; all
// methods are idempotent because the feed may replay.
type Handler interface {
	HandleAcceptance(ctx context.Context, prospectID string, acceptedAt time.Time) error
	HandleDeclined(ctx context.Context, prospectID string) error
	HandleExpired(ctx context.Context, prospectID string) error
	HandleReply(ctx context.Context, prospectID string) error
}

// Source produces events in the background, e.g. the provider poller.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}
