// Package client provides a typed Go client for the Hall of Fame API.
// Problem responses are mapped back onto the registry's sentinel errors, so
// callers can use errors.Is and errors.As exactly as they would in-process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/audit"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// SupportedServers is the server version range this client speaks to.
const SupportedServers = ">= 1.0.0-0, < 2.0.0-0"

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status    int
	Title     string
	Detail    string
	UnlocksAt *time.Time

	cause error
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hof api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("hof api %d: %s", e.Status, e.Detail)
}

// Unwrap exposes the registry error the status stands for, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

func newAPIError(status int, p *api.ProblemDetail) *APIError {
	e := &APIError{Status: status}
	if p != nil {
		e.Title = p.Title
		e.Detail = p.Detail
		e.UnlocksAt = p.UnlocksAt
	}
	if e.Title == "" {
		e.Title = http.StatusText(status)
	}
	switch status {
	case http.StatusLocked:
		locked := &registry.LockedError{}
		if e.UnlocksAt != nil {
			locked.UnlocksAt = *e.UnlocksAt
		}
		e.cause = locked
	case http.StatusForbidden:
		e.cause = registry.ErrUnauthorized
	case http.StatusNotFound:
		e.cause = registry.ErrTokenNotFound
	case http.StatusBadRequest:
		e.cause = registry.ErrInvalidArgument
	}
	return e
}

// Client is a typed client for the Hall of Fame API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	token string
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var p api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return newAPIError(resp.StatusCode, nil)
		}
		return newAPIError(resp.StatusCode, &p)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func tokenPath(id uint64, suffix string) string {
	return "/api/v1/tokens/" + strconv.FormatUint(id, 10) + suffix
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return &out, err
}

// CheckCompatibility fetches the server version and checks it against
// SupportedServers.
func (c *Client) CheckCompatibility(ctx context.Context) (string, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return "", err
	}
	constraint, err := semver.NewConstraint(SupportedServers)
	if err != nil {
		return "", fmt.Errorf("invalid server constraint: %w", err)
	}
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return h.Version, fmt.Errorf("invalid server version %q: %w", h.Version, err)
	}
	if !constraint.Check(v) {
		return h.Version, fmt.Errorf("server %s is outside the supported range %s", h.Version, SupportedServers)
	}
	return h.Version, nil
}

// Collection calls GET /api/v1/collection.
func (c *Client) Collection(ctx context.Context) (*api.CollectionResponse, error) {
	var out api.CollectionResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/collection", nil, &out)
	return &out, err
}

// Mint calls POST /api/v1/tokens.
func (c *Client) Mint(ctx context.Context, to registry.Identity, uri string) (*registry.TokenView, error) {
	var out registry.TokenView
	err := c.do(ctx, http.MethodPost, "/api/v1/tokens", api.MintRequest{To: to, URI: uri}, &out)
	return &out, err
}

// Token calls GET /api/v1/tokens/{id}.
func (c *Client) Token(ctx context.Context, id uint64) (*registry.TokenView, error) {
	var out registry.TokenView
	err := c.do(ctx, http.MethodGet, tokenPath(id, ""), nil, &out)
	return &out, err
}

// OwnerOf calls GET /api/v1/tokens/{id}/owner.
func (c *Client) OwnerOf(ctx context.Context, id uint64) (registry.Identity, error) {
	var out api.OwnerResponse
	err := c.do(ctx, http.MethodGet, tokenPath(id, "/owner"), nil, &out)
	return out.Owner, err
}

// TokenURI calls GET /api/v1/tokens/{id}/uri.
func (c *Client) TokenURI(ctx context.Context, id uint64) (string, error) {
	var out api.URIResponse
	err := c.do(ctx, http.MethodGet, tokenPath(id, "/uri"), nil, &out)
	return out.URI, err
}

// SetTokenURI calls PUT /api/v1/tokens/{id}/uri.
func (c *Client) SetTokenURI(ctx context.Context, id uint64, uri string) (*registry.TokenView, error) {
	var out registry.TokenView
	err := c.do(ctx, http.MethodPut, tokenPath(id, "/uri"), api.SetURIRequest{URI: uri}, &out)
	return &out, err
}

// TransferFrom calls POST /api/v1/tokens/{id}/transfer.
func (c *Client) TransferFrom(ctx context.Context, from, to registry.Identity, id uint64) (*registry.TokenView, error) {
	var out registry.TokenView
	err := c.do(ctx, http.MethodPost, tokenPath(id, "/transfer"), api.TransferRequest{From: from, To: to}, &out)
	return &out, err
}

// Approve calls POST /api/v1/tokens/{id}/approval. An empty to clears it.
func (c *Client) Approve(ctx context.Context, to registry.Identity, id uint64) error {
	return c.do(ctx, http.MethodPost, tokenPath(id, "/approval"), api.ApproveRequest{To: to}, nil)
}

// GetApproved calls GET /api/v1/tokens/{id}/approval.
func (c *Client) GetApproved(ctx context.Context, id uint64) (registry.Identity, error) {
	var out api.ApprovalResponse
	err := c.do(ctx, http.MethodGet, tokenPath(id, "/approval"), nil, &out)
	return out.Approved, err
}

// SetApprovalForAll calls PUT /api/v1/operators/{operator}.
func (c *Client) SetApprovalForAll(ctx context.Context, operator registry.Identity, approved bool) error {
	path := "/api/v1/operators/" + url.PathEscape(operator.String())
	return c.do(ctx, http.MethodPut, path, api.SetOperatorRequest{Approved: approved}, nil)
}

// IsApprovedForAll calls GET /api/v1/owners/{owner}/operators/{operator}.
func (c *Client) IsApprovedForAll(ctx context.Context, owner, operator registry.Identity) (bool, error) {
	var out api.OperatorResponse
	path := "/api/v1/owners/" + url.PathEscape(owner.String()) + "/operators/" + url.PathEscape(operator.String())
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Approved, err
}

// BalanceOf calls GET /api/v1/owners/{owner}/balance.
func (c *Client) BalanceOf(ctx context.Context, owner registry.Identity) (uint64, error) {
	if owner.IsZero() {
		return 0, fmt.Errorf("%w: empty identity is not a valid owner", registry.ErrInvalidArgument)
	}
	var out api.BalanceResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/owners/"+url.PathEscape(owner.String())+"/balance", nil, &out)
	return out.Balance, err
}

// TimelockDuration calls GET /api/v1/timelock.
func (c *Client) TimelockDuration(ctx context.Context) (time.Duration, error) {
	var out api.TimelockResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/timelock", nil, &out); err != nil {
		return 0, err
	}
	return time.Duration(out.Seconds) * time.Second, nil
}

// SetTimelockDuration calls PUT /api/v1/timelock. The server works in whole
// seconds; d is truncated.
func (c *Client) SetTimelockDuration(ctx context.Context, d time.Duration) error {
	return c.do(ctx, http.MethodPut, "/api/v1/timelock", api.TimelockRequest{Seconds: int64(d / time.Second)}, nil)
}

// Authority calls GET /api/v1/authority.
func (c *Client) Authority(ctx context.Context) (registry.Identity, error) {
	var out api.AuthorityResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/authority", nil, &out)
	return out.Authority, err
}

// TransferAuthority calls PUT /api/v1/authority.
func (c *Client) TransferAuthority(ctx context.Context, to registry.Identity) error {
	return c.do(ctx, http.MethodPut, "/api/v1/authority", api.AuthorityRequest{Authority: to}, nil)
}

// RenounceAuthority calls DELETE /api/v1/authority.
func (c *Client) RenounceAuthority(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/authority", nil, nil)
}

// VerifyAudit calls GET /api/v1/audit/verify. A broken chain is reported in
// the response, not as an error.
func (c *Client) VerifyAudit(ctx context.Context) (*api.AuditVerifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/audit/verify", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		var p api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, newAPIError(resp.StatusCode, nil)
		}
		return nil, newAPIError(resp.StatusCode, &p)
	}
	var out api.AuditVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportAudit calls GET /api/v1/audit/export. Zero bounds are open.
func (c *Client) ExportAudit(ctx context.Context, start, end uint64) (*audit.Bundle, error) {
	q := url.Values{}
	if start > 0 {
		q.Set("start", strconv.FormatUint(start, 10))
	}
	if end > 0 {
		q.Set("end", strconv.FormatUint(end, 10))
	}
	path := "/api/v1/audit/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out audit.Bundle
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return &out, err
}
