package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// adminClient talks to a fleet member's admin API.
type adminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAdminClient(baseURL, token string) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *adminClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
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
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type provisionRequest struct {
	Range string `json:"range"`
}

func (c *adminClient) Provision(ctx context.Context, cidr string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/v0/provision", provisionRequest{Range: cidr}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *adminClient) Reprovision(ctx context.Context, cidr string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/v0/provision/regenerate", provisionRequest{Range: cidr}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *adminClient) Remove(ctx context.Context, cidr string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodDelete, "/v0/provision", provisionRequest{Range: cidr}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *adminClient) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/v0/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *adminClient) ListServers(ctx context.Context) ([]models.ServerRecord, error) {
	var body struct {
		Servers []models.ServerRecord `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/servers", nil, &body); err != nil {
		return nil, err
	}
	return body.Servers, nil
}

func (c *adminClient) ListAddresses(ctx context.Context, cidr string) ([]models.AddressRecord, error) {
	var body struct {
		Addresses []models.AddressRecord `json:"addresses"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/addresses?range="+url.QueryEscape(cidr), nil, &body); err != nil {
		return nil, err
	}
	return body.Addresses, nil
}
