package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient talks to the messaging provider's REST API. Requests are paced
// with a client-side rate limiter so bursts from multiple dispatch workers
// do not trip the provider's own limits.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// HTTPClientConfig configures the provider client.
type HTTPClientConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RequestsPerSec float64
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// ResolveIdentity resolves a profile URL to a provider member ID.
func (c *HTTPClient) ResolveIdentity(ctx context.Context, accountProviderID, externalURL string) (string, error) {
	path := fmt.Sprintf("/api/v1/users/%s?account_id=%s",
		url.PathEscape(externalURL), url.QueryEscape(accountProviderID))

	var resp struct {
		ProviderID string `json:"provider_id"`
	}
	if err := c.do(ctx, "resolve_identity", http.MethodGet, path, nil, "", &resp); err != nil {
		return "", err
	}
	return resp.ProviderID, nil
}

// SendInvitation sends a connection request.
func (c *HTTPClient) SendInvitation(ctx context.Context, accountProviderID, providerID, message, idempotencyKey string) (*SendResult, error) {
	body := map[string]string{
		"account_id":  accountProviderID,
		"provider_id": providerID,
		"message":     message,
	}
	var resp SendResult
	if err := c.do(ctx, "send_invitation", http.MethodPost, "/api/v1/users/invite", body, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage sends a direct message to a connection.
func (c *HTTPClient) SendMessage(ctx context.Context, accountProviderID, providerID, message, idempotencyKey string) (*SendResult, error) {
	body := map[string]string{
		"account_id":  accountProviderID,
		"attendee_id": providerID,
		"text":        message,
	}
	var resp SendResult
	if err := c.do(ctx, "send_message", http.MethodPost, "/api/v1/chats", body, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingInvitations lists unanswered connection requests.
func (c *HTTPClient) PendingInvitations(ctx context.Context, accountProviderID string) ([]Invitation, error) {
	path := "/api/v1/users/invite/sent?account_id=" + url.QueryEscape(accountProviderID)
	var resp struct {
		Items []Invitation `json:"items"`
	}
	if err := c.do(ctx, "pending_invitations", http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Relations lists established first-degree connections.
func (c *HTTPClient) Relations(ctx context.Context, accountProviderID string) ([]Relation, error) {
	path := "/api/v1/users/relations?account_id=" + url.QueryEscape(accountProviderID)
	var resp struct {
		Items []Relation `json:"items"`
	}
	if err := c.do(ctx, "relations", http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Category: CategoryNetwork, Message: "rate limiter wait aborted", Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Category: CategoryUnknown, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Category: CategoryUnknown, Message: "failed to build request", Err: err}
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Category: CategoryNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return &Error{Op: op, Category: categoryFromStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Category: CategoryUnknown, Message: "failed to decode response", Err: err}
		}
	}
	return nil
}

func categoryFromStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryUnauthorized
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status >= 500:
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
