package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("connection_request")
	IncMessagesSent("connection_request")
	IncMessagesFailed("validation_error")
	IncMessagesSkipped("duplicate_identity")
	IncQuotaDenied("daily")
	IncAcceptances()

	if got := testutil.ToFloat64(m.MessagesSentTotal.WithLabelValues("connection_request")); got != 2 {
		t.Errorf("expected 2 sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesFailedTotal.WithLabelValues("validation_error")); got != 1 {
		t.Errorf("expected 1 failed, got %v", got)
	}
	if got := testutil.ToFloat64(m.QuotaDeniedTotal.WithLabelValues("daily")); got != 1 {
		t.Errorf("expected 1 quota denial, got %v", got)
	}
	if got := testutil.ToFloat64(m.AcceptancesTotal); got != 1 {
		t.Errorf("expected 1 acceptance, got %v", got)
	}
}

func TestGlobalNilIsSafe(t *testing.T) {
	SetGlobal(nil)
	// must not panic without a global instance
	IncMessagesSent("connection_request")
	IncMessagesDeferred("quota")
	IncReplies()
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns", "404")); got != 1 {
		t.Errorf("expected 1 request recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("expected 1 error recorded, got %v", got)
	}
}

func TestNormalizePathReplacesUUIDs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil)
	got := normalizePath(req)
	if !strings.Contains(got, "{id}") {
		t.Errorf("expected uuid replaced, got %q", got)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{404, "not_found"},
		{400, "bad_request"},
		{418, "client_error"},
	}
	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
