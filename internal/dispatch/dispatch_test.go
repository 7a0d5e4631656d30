package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/outreachd/outreachd/internal/provider"
	"github.com/outreachd/outreachd/internal/quota"
	"github.com/outreachd/outreachd/internal/schedule"
	"github.com/outreachd/outreachd/internal/sequence"
	"github.com/outreachd/outreachd/internal/store"
	"github.com/outreachd/outreachd/internal/template"

	"github.com/outreachd/outreachd/internal/dedupe"
)

type mockClient struct {
	mu          sync.Mutex
	invitations int
	messages    int
	lastKey     string
	lastText    string
	resolveID   string
	resolveErr  error
	sendErr     error
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invitations + m.messages
}

func (m *mockClient) ResolveIdentity(ctx context.Context, account, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	return m.resolveID, nil
}

func (m *mockClient) SendInvitation(ctx context.Context, account, to, message, key string) (*provider.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.invitations++
	m.lastKey = key
	m.lastText = message
	return &provider.SendResult{ProviderMessageID: "pm-1"}, nil
}

func (m *mockClient) SendMessage(ctx context.Context, account, to, message, key string) (*provider.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.messages++
	m.lastKey = key
	m.lastText = message
	return &provider.SendResult{ProviderMessageID: "pm-2"}, nil
}

func (m *mockClient) PendingInvitations(ctx context.Context, account string) ([]provider.Invitation, error) {
	return nil, nil
}

func (m *mockClient) Relations(ctx context.Context, account string) ([]provider.Relation, error) {
	return nil, nil
}

type testEnv struct {
	store      *store.Store
	client     *mockClient
	dispatcher *Dispatcher
	now        time.Time
	logger     *slog.Logger
}

// openWindow accepts every instant so window checks never interfere with
// tests about other stages.
var openWindow = schedule.Settings{Timezone: "UTC", StartHour: 0, EndHour: 24}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &mockClient{resolveID: "prov-resolved"}

	qt := quota.New(s, quota.Limits{Daily: 20, Weekly: 100})
	res := dedupe.NewResolver(&StoreIndex{Store: s})
	seq := sequence.New(s, 0, logger)
	d := New(s, qt, res, seq, template.NewEngine(), client, nil, Config{
		RetryInterval: 5 * time.Minute,
		MaxAttempts:   3,
	}, logger)

	return &testEnv{
		store:      s,
		client:     client,
		dispatcher: d,
		// a Wednesday, well inside any window
		now:    time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC),
		logger: logger,
	}
}

func (e *testEnv) seedAccount(t *testing.T, dailyLimit int) *store.Account {
	t.Helper()
	a := &store.Account{
		ID: "acc-1", WorkspaceID: "ws-1", ProviderID: "prov-acc-1",
		Timezone: "UTC", Status: store.AccountActive,
		DailyLimit: dailyLimit, WeeklyLimit: 100,
	}
	if err := e.store.PutAccount(context.Background(), a); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return a
}

func (e *testEnv) seedCampaign(t *testing.T, window schedule.Settings) *store.Campaign {
	t.Helper()
	c := &store.Campaign{
		ID: "c-1", WorkspaceID: "ws-1", Name: "Q1 outreach",
		Status: store.CampaignActive, AccountID: "acc-1",
		Steps: []store.Step{
			{Kind: store.StepConnectionRequest, Template: "Hi {{.FirstName}}, let's connect"},
			{Kind: store.StepFollowUp, Template: "Thanks {{.FirstName}}, quick question about {{.Company}}", Delay: 48 * time.Hour},
		},
		Schedule: window,
	}
	if err := e.store.PutCampaign(context.Background(), c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
	return c
}

func (e *testEnv) seedProspect(t *testing.T, id, normID string, status store.ProspectStatus) *store.Prospect {
	t.Helper()
	p := &store.Prospect{
		ID: id, CampaignID: "c-1", WorkspaceID: "ws-1",
		ExternalID: "https://linkedin.com/in/" + id, NormalizedID: normID,
		ProviderID: "prov-" + id,
		FirstName:  "Ada", LastName: "Lovelace", Company: "Analytical Engines",
		Status: status,
	}
	if err := e.store.PutProspect(context.Background(), p); err != nil {
		t.Fatalf("failed to seed prospect: %v", err)
	}
	return p
}

func (e *testEnv) seedItem(t *testing.T, id, prospectID string, stepIndex int) *store.QueueItem {
	t.Helper()
	messageType := "connection_request"
	if stepIndex > 0 {
		messageType = "follow_up_1"
	}
	item := &store.QueueItem{
		ID: id, ProspectID: prospectID, CampaignID: "c-1",
		NormalizedID: "linkedin.com/in/" + prospectID,
		MessageType:  messageType, StepIndex: stepIndex,
		ScheduledFor: e.now.Add(-time.Minute),
	}
	if err := e.store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("failed to enqueue item: %v", err)
	}
	return item
}

// run claims and dispatches one item with a deterministic clock.
func (e *testEnv) run(t *testing.T, item *store.QueueItem) {
	t.Helper()
	ctx := context.Background()
	claimed, err := e.store.Claim(ctx, item.ID, e.now)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if !claimed {
		t.Fatalf("expected to claim item %s", item.ID)
	}
	campaign, err := e.store.GetCampaign(ctx, item.CampaignID)
	if err != nil {
		t.Fatalf("failed to load campaign: %v", err)
	}
	if err := e.dispatcher.dispatch(ctx, item, campaign, e.now, e.logger); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
}

func TestDispatchSendsConnectionRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.invitations != 1 {
		t.Fatalf("expected 1 invitation, got %d", env.client.invitations)
	}
	if env.client.lastKey != "item-1" {
		t.Errorf("expected idempotency key item-1, got %q", env.client.lastKey)
	}
	if env.client.lastText != "Hi Ada, let's connect" {
		t.Errorf("unexpected rendered message %q", env.client.lastText)
	}

	got, err := env.store.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("failed to load item: %v", err)
	}
	if got.Status != store.ItemSent {
		t.Errorf("expected item sent, got %s", got.Status)
	}

	p, _ := env.store.GetProspect(ctx, "p1")
	if p.Status != store.ProspectConnectionReqSent {
		t.Errorf("expected prospect connection_request_sent, got %s", p.Status)
	}

	a, _ := env.store.GetAccount(ctx, "acc-1")
	if a.DailySent != 1 || a.WeeklySent != 1 {
		t.Errorf("expected counters 1/1, got %d/%d", a.DailySent, a.WeeklySent)
	}

	// the follow-up must wait for an acceptance signal
	items, _ := env.store.ListItems(ctx, store.ItemFilter{Status: store.ItemPending})
	if len(items) != 0 {
		t.Errorf("expected no pending follow-up before acceptance, got %d", len(items))
	}
}

func TestDispatchDefersWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.seedAccount(t, 1)
	a.DailySent = 1
	a.WeeklySent = 1
	a.WindowStart = env.now.Add(-time.Hour)
	if err := env.store.PutAccount(ctx, a); err != nil {
		t.Fatalf("failed to update account: %v", err)
	}
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("expected no provider calls, got %d", env.client.calls())
	}

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected item back to pending, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("quota deferral must not count an attempt, got %d", got.Attempts)
	}
	nextMidnight := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	if !got.ScheduledFor.Equal(nextMidnight) {
		t.Errorf("expected deferral to %v, got %v", nextMidnight, got.ScheduledFor)
	}

	fresh, _ := env.store.GetAccount(ctx, "acc-1")
	if fresh.DailySent != 1 {
		t.Errorf("deferral must not touch counters, got daily_sent=%d", fresh.DailySent)
	}
}

func TestDispatchDefersOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, schedule.Settings{
		Timezone: "UTC", StartHour: 9, EndHour: 17, SkipWeekends: true,
	})
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	// Saturday evening
	env.now = time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC)
	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("expected no provider calls, got %d", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected item pending, got %s", got.Status)
	}
	monday := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	if !got.ScheduledFor.Equal(monday) {
		t.Errorf("expected deferral to Monday 09:00, got %v", got.ScheduledFor)
	}
}

func TestDispatchFailsOnMissingTemplateVariable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	p := env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	p.FirstName = ""
	if err := env.store.PutProspect(ctx, p); err != nil {
		t.Fatalf("failed to update prospect: %v", err)
	}
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("validation failure must not reach the provider, got %d calls", env.client.calls())
	}

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemFailed {
		t.Fatalf("expected item failed, got %s", got.Status)
	}

	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.Status != store.ProspectFailed {
		t.Errorf("expected prospect failed, got %s", fresh.Status)
	}

	a, _ := env.store.GetAccount(ctx, "acc-1")
	if a.DailySent != 0 {
		t.Errorf("reserved quota must be released, got daily_sent=%d", a.DailySent)
	}
}

func TestDispatchSkipsWorkspaceDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)

	// another prospect in the workspace already holds the identity with an
	// active conversation
	holder := env.seedProspect(t, "p0", "linkedin.com/in/shared", store.ProspectMessaging)
	holder.CampaignID = "c-other"
	if err := env.store.PutProspect(ctx, holder); err != nil {
		t.Fatalf("failed to update holder: %v", err)
	}

	env.seedProspect(t, "p1", "linkedin.com/in/shared", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("duplicate must not reach the provider, got %d calls", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemSkipped {
		t.Fatalf("expected item skipped, got %s", got.Status)
	}
	if got.ErrorReason != "duplicate_identity" {
		t.Errorf("expected reason duplicate_identity, got %q", got.ErrorReason)
	}
	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.Status != store.ProspectSkipped {
		t.Errorf("expected prospect skipped, got %s", fresh.Status)
	}
	a, _ := env.store.GetAccount(ctx, "acc-1")
	if a.DailySent != 0 {
		t.Errorf("reserved quota must be released, got daily_sent=%d", a.DailySent)
	}
}

func TestDispatchSkipsOwnershipMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	p := env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	p.OwnerAccountID = "acc-other"
	if err := env.store.PutProspect(ctx, p); err != nil {
		t.Fatalf("failed to update prospect: %v", err)
	}
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("ownership mismatch must not reach the provider, got %d calls", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemSkipped || got.ErrorReason != "ownership_mismatch" {
		t.Fatalf("expected skipped/ownership_mismatch, got %s/%q", got.Status, got.ErrorReason)
	}
}

func TestDispatchRetriesTransientError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.client.sendErr = &provider.Error{
		Op: "send_invitation", Category: provider.CategoryRateLimited, Status: 429,
	}
	env.run(t, item)

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected item requeued, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	// first retry waits one retry interval
	if !got.ScheduledFor.Equal(env.now.Add(5 * time.Minute)) {
		t.Errorf("expected retry at +5m, got %v", got.ScheduledFor)
	}

	a, _ := env.store.GetAccount(ctx, "acc-1")
	if a.DailySent != 0 {
		t.Errorf("failed send must release quota, got daily_sent=%d", a.DailySent)
	}

	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.Status != store.ProspectApproved {
		t.Errorf("transient failure must not change prospect status, got %s", fresh.Status)
	}
}

func TestDispatchFailsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	env.seedItem(t, "item-1", "p1", 0)

	env.client.sendErr = &provider.Error{
		Op: "send_invitation", Category: provider.CategoryNetwork, Status: 502,
	}

	for i := 0; i < 3; i++ {
		fresh, err := env.store.GetItem(ctx, "item-1")
		if err != nil {
			t.Fatalf("failed to reload item: %v", err)
		}
		env.run(t, fresh)
	}

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemFailed {
		t.Fatalf("expected item failed after max attempts, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Errorf("expected all 3 attempts recorded, got %d", got.Attempts)
	}
	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.Status != store.ProspectFailed {
		t.Errorf("expected prospect failed, got %s", fresh.Status)
	}
}

func TestDispatchFailsOnPermanentError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.client.sendErr = &provider.Error{
		Op: "send_invitation", Category: provider.CategoryUnauthorized, Status: 403,
	}
	env.run(t, item)

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemFailed {
		t.Fatalf("expected item failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", got.Attempts)
	}
	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.Status != store.ProspectFailed || fresh.StatusReason != "unauthorized" {
		t.Errorf("expected prospect failed/unauthorized, got %s/%q", fresh.Status, fresh.StatusReason)
	}
}

func TestDispatchFailsDisconnectedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.seedAccount(t, 20)
	a.Status = store.AccountDisconnected
	if err := env.store.PutAccount(ctx, a); err != nil {
		t.Fatalf("failed to update account: %v", err)
	}
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("expected no provider calls, got %d", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemFailed || got.ErrorReason != "account_disconnected" {
		t.Fatalf("expected failed/account_disconnected, got %s/%q", got.Status, got.ErrorReason)
	}
}

func TestDispatchDefersPausedAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.seedAccount(t, 20)
	a.Status = store.AccountPaused
	if err := env.store.PutAccount(ctx, a); err != nil {
		t.Fatalf("failed to update account: %v", err)
	}
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("expected no provider calls, got %d", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected item back to pending, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("pause deferral must not count an attempt, got %d", got.Attempts)
	}
	if !got.ScheduledFor.Equal(env.now.Add(5 * time.Minute)) {
		t.Errorf("expected deferral by one retry interval, got %v", got.ScheduledFor)
	}

	// a pause is reversible, the prospect must stay untouched
	p, _ := env.store.GetProspect(ctx, "p1")
	if p.Status != store.ProspectApproved {
		t.Errorf("expected prospect unchanged, got %s", p.Status)
	}
}

// delegatingTransport hands every send off as the workflow runner would,
// leaving the item in processing until the callback.
type delegatingTransport struct {
	requests int
}

func (d *delegatingTransport) Deliver(ctx context.Context, req *SendRequest) (bool, *provider.SendResult, error) {
	d.requests++
	return false, nil, nil
}

func TestReapReleasesQuotaReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	transport := &delegatingTransport{}
	env.dispatcher.transport = transport
	env.run(t, item)

	if transport.requests != 1 {
		t.Fatalf("expected 1 delegated send, got %d", transport.requests)
	}
	a, _ := env.store.GetAccount(ctx, "acc-1")
	if a.DailySent != 1 {
		t.Fatalf("delegated send must hold a quota slot, got daily_sent=%d", a.DailySent)
	}

	// the runner never calls back; the reaper requeues the item and must
	// give the slot back
	env.dispatcher.reapStuck(ctx, env.now.Add(time.Hour))

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected stuck item requeued, got %s", got.Status)
	}
	fresh, _ := env.store.GetAccount(ctx, "acc-1")
	if fresh.DailySent != 0 {
		t.Errorf("reap must release the reserved slot, got daily_sent=%d", fresh.DailySent)
	}
}

func TestDispatchResolvesMissingProviderID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	p := env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	p.ProviderID = ""
	if err := env.store.PutProspect(ctx, p); err != nil {
		t.Fatalf("failed to update prospect: %v", err)
	}
	item := env.seedItem(t, "item-1", "p1", 0)

	env.run(t, item)

	if env.client.invitations != 1 {
		t.Fatalf("expected 1 invitation, got %d", env.client.invitations)
	}
	fresh, _ := env.store.GetProspect(ctx, "p1")
	if fresh.ProviderID != "prov-resolved" {
		t.Errorf("expected resolved provider id persisted, got %q", fresh.ProviderID)
	}
}

func TestDispatchSkipsRepliedProspect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectConnected)
	item := env.seedItem(t, "item-1", "p1", 1)

	// reply lands between enqueue and dispatch
	p, _ := env.store.GetProspect(ctx, "p1")
	p.Status = store.ProspectReplied
	if err := env.store.PutProspect(ctx, p); err != nil {
		t.Fatalf("failed to update prospect: %v", err)
	}

	env.run(t, item)

	if env.client.calls() != 0 {
		t.Fatalf("expected no provider calls, got %d", env.client.calls())
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemSkipped || got.ErrorReason != "prospect_replied" {
		t.Fatalf("expected skipped/prospect_replied, got %s/%q", got.Status, got.ErrorReason)
	}
}

func TestTickIgnoresPausedCampaigns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	c := env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	env.seedItem(t, "item-1", "p1", 0)

	c.Status = store.CampaignPaused
	if err := env.store.PutCampaign(ctx, c); err != nil {
		t.Fatalf("failed to pause campaign: %v", err)
	}

	if err := env.dispatcher.Tick(ctx, env.now); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	select {
	case item := <-env.dispatcher.jobs:
		t.Fatalf("paused campaign item %s was queued for dispatch", item.ID)
	default:
	}
}

func TestClaimContention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	won, err := env.store.Claim(ctx, item.ID, env.now)
	if err != nil || !won {
		t.Fatalf("first claim failed: won=%v err=%v", won, err)
	}
	won, err = env.store.Claim(ctx, item.ID, env.now)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if won {
		t.Fatal("two workers claimed the same item")
	}
}

func TestCompleteItemSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	if _, err := env.store.Claim(ctx, item.ID, env.now); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	if err := env.dispatcher.CompleteItem(ctx, "item-1", true, "", false); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemSent {
		t.Fatalf("expected item sent, got %s", got.Status)
	}
	p, _ := env.store.GetProspect(ctx, "p1")
	if p.Status != store.ProspectConnectionReqSent {
		t.Errorf("expected prospect advanced, got %s", p.Status)
	}

	// replayed callback is a no-op
	if err := env.dispatcher.CompleteItem(ctx, "item-1", true, "", false); err != nil {
		t.Fatalf("replay errored: %v", err)
	}
}

func TestCompleteItemTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	if _, err := env.store.Claim(ctx, item.ID, env.now); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	if err := env.dispatcher.CompleteItem(ctx, "item-1", false, "runner_timeout", true); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemPending {
		t.Fatalf("expected item requeued, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
}

func TestBackoffCaps(t *testing.T) {
	d := &Dispatcher{cfg: Config{RetryInterval: 5 * time.Minute}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},  // 80m capped
		{10, time.Hour}, // multiplier capped at 12, then the absolute cap
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestAccountSlotLimitsConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.cfg.AccountConcurrency = 1

	release1, ok := env.dispatcher.acquireSlot("acc-1")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if _, ok := env.dispatcher.acquireSlot("acc-1"); ok {
		t.Fatal("second acquire should be rejected while the slot is held")
	}
	if release2, ok := env.dispatcher.acquireSlot("acc-2"); !ok {
		t.Fatal("other accounts must not be blocked")
	} else {
		release2()
	}
	release1()
	if release, ok := env.dispatcher.acquireSlot("acc-1"); !ok {
		t.Fatal("slot should be reusable after release")
	} else {
		release()
	}
}

func TestDispatchTransientNonProviderError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, 20)
	env.seedCampaign(t, openWindow)
	env.seedProspect(t, "p1", "linkedin.com/in/p1", store.ProspectApproved)
	item := env.seedItem(t, "item-1", "p1", 0)

	// a bare error has no category and is treated as permanent
	env.client.sendErr = errors.New("connection reset by peer")
	env.run(t, item)

	got, _ := env.store.GetItem(ctx, "item-1")
	if got.Status != store.ItemFailed {
		t.Fatalf("expected item failed, got %s", got.Status)
	}
	if got.ErrorReason != "unknown" {
		t.Errorf("expected reason unknown, got %q", got.ErrorReason)
	}
}
