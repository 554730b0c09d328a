// Package billing talks to the external billing system of record.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Subscription is the billing-side view of a subscription.
type Subscription struct {
	Serial    string     `json:"serial"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// RemoteUser is the billing-side view of an account.
type RemoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Gateway is the billing system boundary consumed by the reconciliation
// passes and the business services.
type Gateway interface {
	GetSubscription(ctx context.Context, serial string) (*Subscription, error)
	CancelSubscription(ctx context.Context, serial string) error
	PushPackage(ctx context.Context, pkg models.Package) error
	CreateUser(ctx context.Context, user models.User) (*RemoteUser, error)
}

// Client is the HTTP Gateway implementation.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Gateway = (*Client)(nil)

// NewClient constructs a billing client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", in, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if out != nil {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindTransportFailure, "billing call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fleeterr.New(fleeterr.KindNotFound, "billing record not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fleeterr.Newf(fleeterr.KindUnknown, "unexpected billing status %s: %s", resp.Status, string(errBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) GetSubscription(ctx context.Context, serial string) (*Subscription, error) {
	var sub Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/subscriptions/"+serial, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, serial string) error {
	return c.doJSON(ctx, http.MethodPost, "/subscriptions/"+serial+"/cancel", nil, nil)
}

func (c *Client) PushPackage(ctx context.Context, pkg models.Package) error {
	return c.doJSON(ctx, http.MethodPost, "/packages", pkg, nil)
}

func (c *Client) CreateUser(ctx context.Context, user models.User) (*RemoteUser, error) {
	var remote RemoteUser
	if err := c.doJSON(ctx, http.MethodPost, "/users", user, &remote); err != nil {
		return nil, err
	}
	return &remote, nil
}
