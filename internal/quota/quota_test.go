package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/outreachd/outreachd/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "outreachd.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, Limits{}), s
}

func putAccount(t *testing.T, s *store.Store, a *store.Account) {
	t.Helper()
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if a.Status == "" {
		a.Status = store.AccountActive
	}
	if err := s.PutAccount(context.Background(), a); err != nil {
		t.Fatalf("PutAccount failed: %v", err)
	}
}

func TestAllowReservesSlot(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	putAccount(t, s, &store.Account{ID: "acc-1", DailyLimit: 20, WeeklyLimit: 100})

	res, err := tr.Allow(ctx, "acc-1", time.Now())
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected allow")
	}
	if res.DailySent != 1 || res.WeeklySent != 1 {
		t.Errorf("counters = %d/%d, want 1/1", res.DailySent, res.WeeklySent)
	}

	acc, _ := s.GetAccount(ctx, "acc-1")
	if acc.DailySent != 1 || acc.WeeklySent != 1 {
		t.Errorf("persisted counters = %d/%d, want 1/1", acc.DailySent, acc.WeeklySent)
	}
}

func TestDailyLimitDenies(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	putAccount(t, s, &store.Account{
		ID: "acc-1", DailyLimit: 2, WeeklyLimit: 100,
		DailySent: 2, WindowStart: now,
	})

	res, err := tr.Allow(ctx, "acc-1", now)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected deny at daily limit")
	}
	if res.DeniedBy != "daily" {
		t.Errorf("denied by %s, want daily", res.DeniedBy)
	}
	if !res.NextAvailable.After(now) {
		t.Errorf("next available %v not after now", res.NextAvailable)
	}

	// denial must not change counters
	acc, _ := s.GetAccount(ctx, "acc-1")
	if acc.DailySent != 2 {
		t.Errorf("daily_sent = %d, want 2", acc.DailySent)
	}
}

func TestWeeklyLimitDenies(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	putAccount(t, s, &store.Account{
		ID: "acc-1", DailyLimit: 20, WeeklyLimit: 5,
		DailySent: 0, WeeklySent: 5, WindowStart: now,
	})

	res, err := tr.Allow(ctx, "acc-1", now)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if res.Allowed || res.DeniedBy != "weekly" {
		t.Fatalf("expected weekly deny, got %+v", res)
	}

	// weekly boundary is Monday 00:00
	if wd := res.NextAvailable.Weekday(); wd != time.Monday {
		t.Errorf("next available on %s, want Monday", wd)
	}
}

func TestLazyDailyReset(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	// counters filled yesterday (Tuesday), checking Wednesday same week
	yesterday := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	today := time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC)
	putAccount(t, s, &store.Account{
		ID: "acc-1", DailyLimit: 2, WeeklyLimit: 100,
		DailySent: 2, WeeklySent: 10, WindowStart: yesterday,
	})

	res, err := tr.Allow(ctx, "acc-1", today)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("daily counter should have lazily reset")
	}
	if res.DailySent != 1 {
		t.Errorf("daily_sent = %d, want 1 after reset", res.DailySent)
	}
	if res.WeeklySent != 11 {
		t.Errorf("weekly_sent = %d, want 11 (same week, no reset)", res.WeeklySent)
	}
}

func TestLazyWeeklyResetAcrossMonday(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	// window started Friday, checking the following Monday
	friday := time.Date(2025, 6, 6, 15, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	putAccount(t, s, &store.Account{
		ID: "acc-1", DailyLimit: 20, WeeklyLimit: 5,
		DailySent: 3, WeeklySent: 5, WindowStart: friday,
	})

	res, err := tr.Allow(ctx, "acc-1", monday)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("weekly counter should have reset across Monday")
	}
	if res.WeeklySent != 1 || res.DailySent != 1 {
		t.Errorf("counters = %d/%d, want 1/1", res.DailySent, res.WeeklySent)
	}
}

func TestSundayToMondaySplitsWeeks(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	// Sunday and the next day Monday are different weeks
	sunday := time.Date(2025, 6, 8, 20, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	putAccount(t, s, &store.Account{
		ID: "acc-1", DailyLimit: 20, WeeklyLimit: 5,
		WeeklySent: 5, WindowStart: sunday,
	})

	res, err := tr.Allow(ctx, "acc-1", monday)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("Sunday counters must not carry into Monday's week")
	}
}

func TestRelease(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	putAccount(t, s, &store.Account{ID: "acc-1", DailyLimit: 20, WeeklyLimit: 100})

	if _, err := tr.Allow(ctx, "acc-1", now); err != nil {
		t.Fatal(err)
	}
	if err := tr.Release(ctx, "acc-1", now); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	acc, _ := s.GetAccount(ctx, "acc-1")
	if acc.DailySent != 0 || acc.WeeklySent != 0 {
		t.Errorf("counters = %d/%d after release, want 0/0", acc.DailySent, acc.WeeklySent)
	}

	// releasing at zero stays at zero
	if err := tr.Release(ctx, "acc-1", now); err != nil {
		t.Fatalf("Release at zero failed: %v", err)
	}
	acc, _ = s.GetAccount(ctx, "acc-1")
	if acc.DailySent != 0 {
		t.Errorf("daily_sent went negative: %d", acc.DailySent)
	}
}

func TestConcurrentAllowNeverOvershoots(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()
	putAccount(t, s, &store.Account{ID: "acc-1", DailyLimit: 5, WeeklyLimit: 100, WindowStart: now})

	var wg sync.WaitGroup
	allowed := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Allow(ctx, "acc-1", now)
			if err != nil {
				t.Errorf("Allow failed: %v", err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	granted := 0
	for ok := range allowed {
		if ok {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("granted = %d, want exactly 5", granted)
	}

	acc, _ := s.GetAccount(ctx, "acc-1")
	if acc.DailySent != 5 {
		t.Errorf("daily_sent = %d, want 5", acc.DailySent)
	}
}

func TestDefaultLimits(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	// account with no explicit limits falls back to platform defaults
	putAccount(t, s, &store.Account{ID: "acc-1", DailySent: DefaultDailyLimit, WindowStart: now})

	res, err := tr.Allow(ctx, "acc-1", now)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if res.Allowed || res.DeniedBy != "daily" {
		t.Errorf("expected default daily limit to deny, got %+v", res)
	}
}
