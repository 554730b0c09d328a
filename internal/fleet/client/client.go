// Package client dispatches provisioning requests to remote fleet members'
// admin APIs and maps their responses into the local job and error
// vocabulary.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/egressfleet/egressfleet/internal/fleet/fleeterr"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
)

// Client is the remote dispatch client. Calls are synchronous; the returned
// job reflects only the remote job's identity and is tracked on the remote
// side.
type Client struct {
	token      string
	httpClient *http.Client
}

// NewClient constructs a dispatch client authenticated with the given admin
// bearer credential.
func NewClient(token string) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// provisionRequest is the admin API request body.
type provisionRequest struct {
	Range string `json:"range"`
}

// errorBody is the huma-style error model remote instances reply with.
type errorBody struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Errors []struct {
		Location string `json:"location"`
		Message  string `json:"message"`
	} `json:"errors"`
}

// Generate asks the owning server to provision the range.
func (c *Client) Generate(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return c.dispatch(ctx, http.MethodPost, "/v0/provision", cidr, server)
}

// Regenerate asks the owning server to re-run provisioning for the range.
func (c *Client) Regenerate(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return c.dispatch(ctx, http.MethodPost, "/v0/provision/regenerate", cidr, server)
}

// Remove asks the owning server to tear the range down.
func (c *Client) Remove(ctx context.Context, cidr string, server *models.ServerRecord) (*models.Job, error) {
	return c.dispatch(ctx, http.MethodDelete, "/v0/provision", cidr, server)
}

func (c *Client) dispatch(ctx context.Context, method, path, cidr string, server *models.ServerRecord) (*models.Job, error) {
	data, err := json.Marshal(provisionRequest{Range: cidr})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(server)+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindTransportFailure,
			fmt.Sprintf("no response from %s", server.Name), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapError(resp, server)
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindUnknown,
			fmt.Sprintf("unreadable job response from %s", server.Name), err)
	}
	return &job, nil
}

// baseURL prefers the private interface address when one is configured.
func baseURL(server *models.ServerRecord) string {
	host := server.HostAddress
	if server.InternalHostAddress != "" {
		host = server.InternalHostAddress
	}
	return fmt.Sprintf("http://%s:%d", host, server.AdminPort)
}

func mapError(resp *http.Response, server *models.ServerRecord) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fleeterr.Newf(fleeterr.KindUnauthorized, "%s rejected the admin credential", server.Name)
	case http.StatusForbidden:
		return fleeterr.Newf(fleeterr.KindForbidden, "%s denied the provisioning request", server.Name)
	case http.StatusNotFound:
		return fleeterr.Newf(fleeterr.KindNotFound, "%s has no such resource", server.Name)
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Errors) > 0 {
		fe := &fleeterr.Error{
			Kind:    fleeterr.KindSchemaValidation,
			Message: fmt.Sprintf("%s rejected the request schema", server.Name),
		}
		for _, e := range body.Errors {
			fe.Fields = append(fe.Fields, fleeterr.FieldError{Location: e.Location, Message: e.Message})
		}
		return fe
	}

	return fleeterr.Newf(fleeterr.KindUnknown, "unexpected response from %s: %s: %s",
		server.Name, resp.Status, string(raw))
}
