package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"campaignplane/pkg/api"
)

// Client handles API calls to the engine's ops API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Register sends POST /tenants/{id}/register.
func (c *Client) Register(tenant string, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var result api.RegisterResponse
	if err := c.do(http.MethodPost, tenantPath(tenant, "register"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdatePlan sends PUT /tenants/{id}/plan.
func (c *Client) UpdatePlan(tenant string, req api.PlanRequest) error {
	return c.do(http.MethodPut, tenantPath(tenant, "plan"), req, nil)
}

// Start sends POST /tenants/{id}/start.
func (c *Client) Start(tenant string, req api.StartRequest) (*api.StartResponse, error) {
	var result api.StartResponse
	if err := c.do(http.MethodPost, tenantPath(tenant, "start"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stop sends POST /tenants/{id}/stop.
func (c *Client) Stop(tenant string) (*api.StopResponse, error) {
	var result api.StopResponse
	if err := c.do(http.MethodPost, tenantPath(tenant, "stop"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Release sends POST /tenants/{id}/release.
func (c *Client) Release(tenant string) (*api.ReleaseResponse, error) {
	var result api.ReleaseResponse
	if err := c.do(http.MethodPost, tenantPath(tenant, "release"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdatePayload sends PUT /tenants/{id}/payload.
func (c *Client) UpdatePayload(tenant string, req api.PayloadRequest) error {
	return c.do(http.MethodPut, tenantPath(tenant, "payload"), req, nil)
}

// UpdateDestinations sends PUT /tenants/{id}/destinations.
func (c *Client) UpdateDestinations(tenant string, req api.DestinationsRequest) error {
	return c.do(http.MethodPut, tenantPath(tenant, "destinations"), req, nil)
}

// Status sends GET /tenants/{id}/status.
func (c *Client) Status(tenant string) (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do(http.MethodGet, tenantPath(tenant, "status"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sessions sends GET /sessions. withIDs asks for the unused and banned IDs.
func (c *Client) Sessions(withIDs bool) (*api.SessionsResponse, error) {
	path := "/sessions"
	if withIDs {
		path += "?ids=true"
	}
	var result api.SessionsResponse
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ban sends POST /sessions/{id}/ban.
func (c *Client) Ban(session string) (*api.BanResponse, error) {
	var result api.BanResponse
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(session)+"/ban", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Verify sends POST /sessions/verify for the given sessions.
func (c *Client) Verify(ids []string) (*api.VerifyResponse, error) {
	var result api.VerifyResponse
	if err := c.do(http.MethodPost, "/sessions/verify", api.VerifyRequest{SessionIDs: ids}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pairs sends GET /credentials.
func (c *Client) Pairs() (*api.PairsResponse, error) {
	var result api.PairsResponse
	if err := c.do(http.MethodGet, "/credentials", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddPair sends POST /credentials.
func (c *Client) AddPair(req api.PairRequest) (*api.AddPairResponse, error) {
	var result api.AddPairResponse
	if err := c.do(http.MethodPost, "/credentials", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemovePair sends DELETE /credentials/{app_id}.
func (c *Client) RemovePair(appID string) error {
	return c.do(http.MethodDelete, "/credentials/"+url.PathEscape(appID), nil, nil)
}

func tenantPath(tenant, action string) string {
	return "/tenants/" + url.PathEscape(tenant) + "/" + action
}

// do sends body as JSON and decodes a 2xx response into out when both are non-nil.
func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the details of an api.ErrorResponse over the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return string(bytes.TrimSpace(body))
	}
	if e.Details != "" {
		return e.Error + ": " + e.Details
	}
	return e.Error
}
