package store

import (
	"fmt"
	"time"

	"github.com/outreachd/outreachd/internal/schedule"
)

// AccountStatus represents the connection state of a sending account
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountPaused       AccountStatus = "paused"
	AccountDisconnected AccountStatus = "disconnected"
)

// Account is a sending identity bound to a workspace member.
// Counters are mutated only through Store.UpdateAccount so the
// check-and-increment stays atomic.
type Account struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	ProviderID  string        `json:"provider_id"`
	Name        string        `json:"name,omitempty"`
	Timezone    string        `json:"timezone"`
	Status      AccountStatus `json:"status"`
	DailyLimit  int           `json:"daily_limit"`
	WeeklyLimit int           `json:"weekly_limit"`
	DailySent   int           `json:"daily_sent"`
	WeeklySent  int           `json:"weekly_sent"`
	WindowStart time.Time     `json:"counter_window_start"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Location resolves the account timezone, falling back to UTC.
func (a *Account) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// StepKind identifies the type of a sequence step
type StepKind string

const (
	StepConnectionRequest StepKind = "connection_request"
	StepFollowUp          StepKind = "follow_up"
	StepGoodbye           StepKind = "goodbye"
)

// Step is one entry in a campaign's ordered message sequence.
// Delay is relative to the previous step's sent time.
type Step struct {
	Kind     StepKind      `json:"kind"`
	Template string        `json:"template"`
	Delay    time.Duration `json:"delay"`
}

// Campaign holds the sequence definition and schedule settings for a batch
// of prospects, all dispatched through one account.
type Campaign struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	Status      CampaignStatus    `json:"status"`
	AccountID   string            `json:"account_id"`
	Steps       []Step            `json:"steps"`
	Schedule    schedule.Settings `json:"schedule"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MessageTypeFor returns the wire label for the step at index i,
// e.g. "connection_request", "follow_up_2", "goodbye".
func (c *Campaign) MessageTypeFor(i int) string {
	if i < 0 || i >= len(c.Steps) {
		return ""
	}
	step := c.Steps[i]
	if step.Kind == StepFollowUp {
		// follow-ups are numbered from the first follow-up step, not
		// from the start of the sequence
		n := 0
		for j := 0; j <= i; j++ {
			if c.Steps[j].Kind == StepFollowUp {
				n++
			}
		}
		return fmt.Sprintf("follow_up_%d", n)
	}
	return string(step.Kind)
}

// ProspectStatus represents a prospect's position in the outreach state machine
type ProspectStatus string

const (
	ProspectPending           ProspectStatus = "pending"
	ProspectApproved          ProspectStatus = "approved"
	ProspectReadyToMessage    ProspectStatus = "ready_to_message"
	ProspectConnectionReqSent ProspectStatus = "connection_request_sent"
	ProspectConnected         ProspectStatus = "connected"
	ProspectMessaging         ProspectStatus = "messaging"
	ProspectReplied           ProspectStatus = "replied"
	ProspectCompleted         ProspectStatus = "completed"
	ProspectFailed            ProspectStatus = "failed"
	ProspectSkipped           ProspectStatus = "skipped"
)

// Terminal reports whether the status permits no automatic transitions.
func (s ProspectStatus) Terminal() bool {
	return s == ProspectCompleted || s == ProspectFailed || s == ProspectSkipped
}

// Valid reports whether s is a known prospect status.
func (s ProspectStatus) Valid() bool {
	switch s {
	case ProspectPending, ProspectApproved, ProspectReadyToMessage,
		ProspectConnectionReqSent, ProspectConnected, ProspectMessaging,
		ProspectReplied, ProspectCompleted, ProspectFailed, ProspectSkipped:
		return true
	}
	return false
}

// Contactable reports whether the prospect occupies the identity for
// duplicate detection: an active conversation is in progress or starting.
func (s ProspectStatus) Contactable() bool {
	switch s {
	case ProspectConnectionReqSent, ProspectConnected, ProspectMessaging:
		return true
	}
	return false
}

// Prospect is one person targeted by a campaign.
type Prospect struct {
	ID                   string         `json:"id"`
	CampaignID           string         `json:"campaign_id"`
	WorkspaceID          string         `json:"workspace_id"`
	ExternalID           string         `json:"external_id"`
	NormalizedID         string         `json:"normalized_id"`
	ProviderID           string         `json:"provider_id,omitempty"`
	FirstName            string         `json:"first_name,omitempty"`
	LastName             string         `json:"last_name,omitempty"`
	Company              string         `json:"company,omitempty"`
	Title                string         `json:"title,omitempty"`
	Status               ProspectStatus `json:"status"`
	StatusReason         string         `json:"status_reason,omitempty"`
	OwnerAccountID       string         `json:"owner_account_id,omitempty"`
	FollowUpIndex        int            `json:"follow_up_index"`
	ContactedAt          time.Time      `json:"contacted_at,omitzero"`
	ConnectionAcceptedAt time.Time      `json:"connection_accepted_at,omitzero"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// ItemStatus represents the status of a queue item
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemSent       ItemStatus = "sent"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item can no longer change status.
func (s ItemStatus) Terminal() bool {
	return s == ItemSent || s == ItemFailed || s == ItemSkipped
}

// QueueItem is one scheduled send. NormalizedID is denormalized from the
// prospect so index maintenance never needs a second lookup.
type QueueItem struct {
	ID           string     `json:"id"`
	ProspectID   string     `json:"prospect_id"`
	CampaignID   string     `json:"campaign_id"`
	NormalizedID string     `json:"normalized_id"`
	MessageType  string     `json:"message_type"`
	StepIndex    int        `json:"step_index"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       ItemStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorReason  string     `json:"error_reason,omitempty"`
	Seq          uint64     `json:"seq"`
	ClaimedAt    time.Time  `json:"claimed_at,omitzero"`
	SentAt       time.Time  `json:"sent_at,omitzero"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// QueueStats represents per-status queue item counts
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Total      int64 `json:"total"`
}

// ItemFilter represents filter options for listing queue items
type ItemFilter struct {
	CampaignID string
	Status     ItemStatus
	Limit      int
	Offset     int
}

// CampaignFilter represents filter options for listing campaigns
type CampaignFilter struct {
	WorkspaceID string
	Status      CampaignStatus
}

// ProspectFilter represents filter options for listing prospects
type ProspectFilter struct {
	CampaignID string
	Status     ProspectStatus
	Limit      int
}

// AuditEntry records an administrative override.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ProspectID string    `json:"prospect_id,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Reason     string    `json:"reason"`
}
