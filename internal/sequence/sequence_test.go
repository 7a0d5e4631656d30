package sequence

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/outreachd/outreachd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSequencer(t *testing.T) (*Sequencer, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "outreachd.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	seq := New(s, time.Minute, testLogger())
	seq.randFn = func() float64 { return 0.5 } // zero jitter
	return seq, s
}

func testCampaign() *store.Campaign {
	return &store.Campaign{
		ID:          "c-1",
		WorkspaceID: "ws-1",
		Status:      store.CampaignActive,
		AccountID:   "acc-1",
		Steps: []store.Step{
			{Kind: store.StepConnectionRequest, Template: "Hi {{.FirstName}}"},
			{Kind: store.StepFollowUp, Template: "Thanks for connecting", Delay: 48 * time.Hour},
			{Kind: store.StepFollowUp, Template: "Following up", Delay: 120 * time.Hour},
			{Kind: store.StepGoodbye, Template: "Last note", Delay: 168 * time.Hour},
		},
	}
}

func seed(t *testing.T, s *store.Store, c *store.Campaign, p *store.Prospect) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.PutProspect(ctx, p); err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceAfterConnectionRequest(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane", Status: store.ProspectReadyToMessage,
	}
	seed(t, s, c, p)

	sentAt := time.Now()
	item := &store.QueueItem{
		ID: "q-1", ProspectID: "p-1", CampaignID: "c-1",
		NormalizedID: "linkedin.com/in/jane", StepIndex: 0,
	}

	next, err := seq.Advance(ctx, c, item, sentAt)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if next != nil {
		t.Fatal("follow-up must wait for acceptance, nothing should be enqueued")
	}

	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectConnectionReqSent {
		t.Errorf("status = %s, want connection_request_sent", got.Status)
	}
	if got.ContactedAt.IsZero() {
		t.Error("contacted_at not set")
	}
	if got.FollowUpIndex != 0 {
		t.Errorf("follow_up_index = %d, want 0", got.FollowUpIndex)
	}
}

func TestAcceptanceEnqueuesFollowUp(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectConnectionReqSent, FollowUpIndex: 0,
	}
	seed(t, s, c, p)

	acceptedAt := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	if err := seq.HandleAcceptance(ctx, "p-1", acceptedAt); err != nil {
		t.Fatalf("HandleAcceptance failed: %v", err)
	}

	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectConnected {
		t.Errorf("status = %s, want connected", got.Status)
	}
	if !got.ConnectionAcceptedAt.Equal(acceptedAt) {
		t.Errorf("accepted_at = %v", got.ConnectionAcceptedAt)
	}

	items, _ := s.ListItems(ctx, store.ItemFilter{CampaignID: "c-1"})
	if len(items) != 1 {
		t.Fatalf("expected 1 enqueued item, got %d", len(items))
	}
	item := items[0]
	if item.MessageType != "follow_up_1" || item.StepIndex != 1 {
		t.Errorf("unexpected item: %+v", item)
	}
	want := acceptedAt.Add(48 * time.Hour)
	if !item.ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", item.ScheduledFor, want)
	}
}

func TestAcceptanceIsIdempotent(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectConnectionReqSent, FollowUpIndex: 0,
	}
	seed(t, s, c, p)

	now := time.Now()
	if err := seq.HandleAcceptance(ctx, "p-1", now); err != nil {
		t.Fatal(err)
	}
	// the feed is at-least-once; a replay must not enqueue a second item
	if err := seq.HandleAcceptance(ctx, "p-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("duplicate acceptance errored: %v", err)
	}

	items, _ := s.ListItems(ctx, store.ItemFilter{CampaignID: "c-1"})
	if len(items) != 1 {
		t.Fatalf("duplicate acceptance enqueued extra items: %d", len(items))
	}
}

func TestAdvanceThroughGoodbyeCompletes(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectMessaging, FollowUpIndex: 2,
	}
	seed(t, s, c, p)

	goodbye := &store.QueueItem{
		ID: "q-4", ProspectID: "p-1", CampaignID: "c-1",
		NormalizedID: "linkedin.com/in/jane", StepIndex: 3,
	}
	next, err := seq.Advance(ctx, c, goodbye, time.Now())
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if next != nil {
		t.Error("no step after goodbye")
	}

	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestAdvanceMidSequenceSchedulesNext(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectConnected, FollowUpIndex: 1,
	}
	seed(t, s, c, p)

	sentAt := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	fu1 := &store.QueueItem{
		ID: "q-2", ProspectID: "p-1", CampaignID: "c-1",
		NormalizedID: "linkedin.com/in/jane", StepIndex: 1,
	}
	next, err := seq.Advance(ctx, c, fu1, sentAt)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if next == nil {
		t.Fatal("expected follow_up_2 to be enqueued")
	}
	if next.MessageType != "follow_up_2" {
		t.Errorf("message type = %s", next.MessageType)
	}
	want := sentAt.Add(120 * time.Hour)
	if !next.ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", next.ScheduledFor, want)
	}

	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectMessaging {
		t.Errorf("status = %s, want messaging", got.Status)
	}
}

func TestJitterNeverSchedulesBeforeBase(t *testing.T) {
	seq, _ := newTestSequencer(t)
	seq.jitter = time.Hour
	seq.randFn = func() float64 { return 0 } // maximum negative offset

	base := time.Now()
	got := seq.applyJitter(base.Add(30*time.Minute), base)
	if got.Before(base) {
		t.Errorf("jittered time %v before base %v", got, base)
	}
}

func TestHandleReplySkipsActiveItems(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectMessaging, FollowUpIndex: 1,
	}
	seed(t, s, c, p)

	pending := &store.QueueItem{
		ID: "q-3", ProspectID: "p-1", CampaignID: "c-1",
		NormalizedID: "linkedin.com/in/jane", StepIndex: 2,
		ScheduledFor: time.Now().Add(24 * time.Hour),
	}
	if err := s.Enqueue(ctx, pending); err != nil {
		t.Fatal(err)
	}

	if err := seq.HandleReply(ctx, "p-1"); err != nil {
		t.Fatalf("HandleReply failed: %v", err)
	}

	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectReplied {
		t.Errorf("status = %s, want replied", got.Status)
	}
	item, _ := s.GetItem(ctx, "q-3")
	if item.Status != store.ItemSkipped || item.ErrorReason != "prospect_replied" {
		t.Errorf("unexpected item: %+v", item)
	}

	// replay is a no-op
	if err := seq.HandleReply(ctx, "p-1"); err != nil {
		t.Fatalf("duplicate reply errored: %v", err)
	}
}

func TestHandleDeclined(t *testing.T) {
	seq, s := newTestSequencer(t)
	ctx := context.Background()
	c := testCampaign()
	p := &store.Prospect{
		ID: "p-1", CampaignID: "c-1", WorkspaceID: "ws-1",
		NormalizedID: "linkedin.com/in/jane",
		Status:       store.ProspectConnectionReqSent, FollowUpIndex: 0,
	}
	seed(t, s, c, p)

	if err := seq.HandleDeclined(ctx, "p-1"); err != nil {
		t.Fatalf("HandleDeclined failed: %v", err)
	}
	got, _ := s.GetProspect(ctx, "p-1")
	if got.Status != store.ProspectFailed || got.StatusReason != "connection_declined" {
		t.Errorf("unexpected prospect: status=%s reason=%s", got.Status, got.StatusReason)
	}

	// terminal prospects stay terminal on replay
	if err := seq.HandleExpired(ctx, "p-1"); err != nil {
		t.Fatalf("replay errored: %v", err)
	}
	got, _ = s.GetProspect(ctx, "p-1")
	if got.StatusReason != "connection_declined" {
		t.Errorf("reason overwritten: %s", got.StatusReason)
	}
}
