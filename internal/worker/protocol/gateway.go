package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Gateway error codes.
const (
	CodeRateLimited    = "RATE_LIMITED"
	CodeAccountBanned  = "ACCOUNT_BANNED"
	CodeWriteForbidden = "WRITE_FORBIDDEN"
	CodeRestricted     = "RESTRICTED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeTransient      = "TRANSIENT"
)

// GatewayDialer talks JSON over HTTP to a protocol gateway sidecar that owns
// the actual wire protocol.
type GatewayDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewGatewayDialer creates a dialer for the gateway at baseURL.
func NewGatewayDialer(baseURL, token string, timeout time.Duration) *GatewayDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayDialer{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (d *GatewayDialer) Dial(ctx context.Context, spec SessionSpec) (Client, error) {
	return &gatewayClient{dialer: d, spec: spec}, nil
}

type gatewayClient struct {
	dialer *GatewayDialer
	spec   SessionSpec
	handle string
}

type connectRequest struct {
	TenantID    string `json:"tenant_id"`
	SessionID   string `json:"session_id"`
	SessionPath string `json:"session_path"`
	AppID       string `json:"app_id"`
	AppHash     string `json:"app_hash"`
}

type connectResponse struct {
	Handle string `json:"handle"`
}

type authorizedResponse struct {
	Authorized bool `json:"authorized"`
}

type deliverRequest struct {
	SessionID   string `json:"session_id"`
	SourceRef   string `json:"source_ref"`
	Destination string `json:"destination"`
	PayloadRef  string `json:"payload_ref"`
}

type gatewayError struct {
	Error       string  `json:"error"`
	Code        string  `json:"code"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
}

func (c *gatewayClient) Connect(ctx context.Context) error {
	var resp connectResponse
	err := c.dialer.do(ctx, http.MethodPost, "/v1/sessions", connectRequest{
		TenantID:    c.spec.TenantID,
		SessionID:   c.spec.SessionID,
		SessionPath: c.spec.SessionPath,
		AppID:       c.spec.AppID,
		AppHash:     c.spec.AppHash,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Handle == "" {
		return &UnclassifiedError{Detail: "gateway returned no session handle"}
	}
	c.handle = resp.Handle
	return nil
}

func (c *gatewayClient) IsAuthorized(ctx context.Context) (bool, error) {
	if c.handle == "" {
		return false, nil
	}
	var resp authorizedResponse
	if err := c.dialer.do(ctx, http.MethodGet, c.path("/authorized"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

func (c *gatewayClient) Deliver(ctx context.Context, sessionID, sourceRef, destinationID, payloadRef string) (Receipt, error) {
	if c.handle == "" {
		return Receipt{}, ErrSessionUnauthorized
	}
	var r Receipt
	err := c.dialer.do(ctx, http.MethodPost, c.path("/deliveries"), deliverRequest{
		SessionID:   sessionID,
		SourceRef:   sourceRef,
		Destination: destinationID,
		PayloadRef:  payloadRef,
	}, &r)
	if err != nil {
		return Receipt{}, err
	}
	if r.DeliveredAt.IsZero() {
		r.DeliveredAt = time.Now().UTC()
	}
	return r, nil
}

func (c *gatewayClient) Disconnect(ctx context.Context) error {
	if c.handle == "" {
		return nil
	}
	err := c.dialer.do(ctx, http.MethodDelete, c.path(""), nil, nil)
	c.handle = ""
	return err
}

func (c *gatewayClient) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(c.handle) + suffix
}

func (d *GatewayDialer) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeGatewayError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UnclassifiedError{Detail: "failed to decode gateway response", Err: err}
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	return &UnclassifiedError{Detail: "gateway request failed", Err: err}
}

func decodeGatewayError(resp *http.Response) error {
	var ge gatewayError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &ge); err != nil || ge.Code == "" {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: gateway status %d", ErrTransientNetwork, resp.StatusCode)
		}
		return &UnclassifiedError{Detail: fmt.Sprintf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	switch ge.Code {
	case CodeRateLimited:
		return &RateLimitedError{Wait: time.Duration(ge.WaitSeconds * float64(time.Second))}
	case CodeAccountBanned:
		return fmt.Errorf("%w: %s", ErrAccountBanned, ge.Error)
	case CodeWriteForbidden:
		return fmt.Errorf("%w: %s", ErrDestinationWriteForbidden, ge.Error)
	case CodeRestricted:
		return fmt.Errorf("%w: %s", ErrDestinationRestricted, ge.Error)
	case CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrSessionUnauthorized, ge.Error)
	case CodeTransient:
		return fmt.Errorf("%w: %s", ErrTransientNetwork, ge.Error)
	default:
		return &UnclassifiedError{Detail: ge.Code + ": " + ge.Error}
	}
}
