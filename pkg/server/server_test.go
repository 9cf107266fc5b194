package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/audit"
	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/ratelimit"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const (
	testSecret    = "test-secret"
	testIssuer    = "hof-test"
	testAuthority = "0xauthority"
)

var epoch = time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	clock  *fakeClock
	reg    *registry.Registry
	chain  *audit.Chain
	issuer *auth.Issuer
	h      http.Handler
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{now: epoch}
	chain := audit.NewChain()
	reg, err := registry.New(context.Background(), registry.Options{
		Authority:        testAuthority,
		TimelockDuration: 100 * time.Second,
		URIPrefix:        registry.DefaultURIPrefix,
		Clock:            clock.Now,
		Observers:        []registry.Observer{chain},
	})
	require.NoError(t, err)

	opts := Options{
		Registry:  reg,
		Audit:     chain,
		Validator: auth.NewJWTValidator([]byte(testSecret), testIssuer),
		Clock:     clock.Now,
		Version:   "1.2.0",
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)

	return &harness{
		t:      t,
		clock:  clock,
		reg:    reg,
		chain:  chain,
		issuer: auth.NewIssuer([]byte(testSecret), testIssuer),
		h:      srv.Handler(),
	}
}

func (h *harness) do(method, path, caller string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		tok, err := h.issuer.Issue(caller, time.Hour)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (h *harness) mint(to, uri string) uint64 {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/v1/tokens", testAuthority, api.MintRequest{To: registry.Identity(to), URI: uri})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[registry.TokenView](h.t, rec).ID
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealthAndCollection(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.HealthResponse{Status: "ok", Version: "1.2.0"}, decode[api.HealthResponse](t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	h.mint("0xalice", "QmA")
	rec = h.do(http.MethodGet, "/api/v1/collection", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	col := decode[api.CollectionResponse](t, rec)
	assert.Equal(t, registry.CollectionName, col.Name)
	assert.Equal(t, registry.CollectionSymbol, col.Symbol)
	assert.Equal(t, uint64(1), col.TotalSupply)
	assert.Equal(t, registry.Identity(testAuthority), col.Authority)
	assert.Equal(t, int64(100), col.TimelockSeconds)
}

func TestMint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/tokens", testAuthority, api.MintRequest{To: "0xalice", URI: "QmA"})
	require.Equal(t, http.StatusCreated, rec.Code)
	view := decode[registry.TokenView](t, rec)
	assert.Equal(t, uint64(0), view.ID)
	assert.Equal(t, registry.Identity("0xalice"), view.Owner)
	assert.Equal(t, "ipfs://QmA", view.URI)
	assert.True(t, view.Locked)
	assert.Equal(t, epoch.Add(100*time.Second), view.UnlocksAt.UTC())

	t.Run("non-authority is forbidden", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/tokens", "0xmallory", api.MintRequest{To: "0xmallory", URI: "x"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	})

	t.Run("anonymous is unauthorized", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/tokens", "", api.MintRequest{To: "0xalice", URI: "x"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("empty recipient is rejected", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/tokens", testAuthority, api.MintRequest{URI: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		rec := h.do(http.MethodPost, "/api/v1/tokens", testAuthority, map[string]string{"to": "0xa", "owner": "0xb"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Equal(t, uint64(1), h.reg.TotalSupply())
}

func TestReads(t *testing.T) {
	h := newHarness(t)
	id := h.mint("0xalice", "QmA")

	rec := h.do(http.MethodGet, "/api/v1/tokens/0/owner", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.OwnerResponse{TokenID: id, Owner: "0xalice"}, decode[api.OwnerResponse](t, rec))

	rec = h.do(http.MethodGet, "/api/v1/tokens/0/uri", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ipfs://QmA", decode[api.URIResponse](t, rec).URI)

	rec = h.do(http.MethodGet, "/api/v1/owners/0xalice/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), decode[api.BalanceResponse](t, rec).Balance)

	rec = h.do(http.MethodGet, "/api/v1/timelock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.TimelockResponse{Seconds: 100, Duration: "1m40s"}, decode[api.TimelockResponse](t, rec))

	rec = h.do(http.MethodGet, "/api/v1/authority", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, registry.Identity(testAuthority), decode[api.AuthorityResponse](t, rec).Authority)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing token", "/api/v1/tokens/7", http.StatusNotFound},
		{"missing token owner", "/api/v1/tokens/7/owner", http.StatusNotFound},
		{"missing token uri", "/api/v1/tokens/7/uri", http.StatusNotFound},
		{"bad token id", "/api/v1/tokens/abc", http.StatusBadRequest},
		{"negative token id", "/api/v1/tokens/-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodGet, tt.path, "", nil)
			assert.Equal(t, tt.want, rec.Code)
			p := decode[api.ProblemDetail](t, rec)
			assert.Equal(t, tt.want, p.Status)
			assert.NotEmpty(t, p.TraceID)
		})
	}
}

func TestInvalidTokenIsRejectedOnRead(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/tokens/0", "", nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tokens/0", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	bad := httptest.NewRecorder()
	h.h.ServeHTTP(bad, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, bad.Code, "a sent token is always validated")
}

func TestSetTokenURI_Timelock(t *testing.T) {
	h := newHarness(t)
	h.mint("0xalice", "QmA")

	h.clock.Advance(50*time.Second + 500*time.Millisecond)
	rec := h.do(http.MethodPut, "/api/v1/tokens/0/uri", testAuthority, api.SetURIRequest{URI: "QmB"})
	require.Equal(t, http.StatusLocked, rec.Code, rec.Body.String())
	assert.Equal(t, "50", rec.Header().Get("Retry-After"))
	p := decode[api.ProblemDetail](t, rec)
	require.NotNil(t, p.UnlocksAt)
	assert.Equal(t, epoch.Add(100*time.Second), p.UnlocksAt.UTC())

	h.clock.Advance(49*time.Second + 500*time.Millisecond)
	rec = h.do(http.MethodPut, "/api/v1/tokens/0/uri", testAuthority, api.SetURIRequest{URI: "QmB"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[registry.TokenView](t, rec)
	assert.Equal(t, "ipfs://QmB", view.URI)
	assert.False(t, view.Locked)

	rec = h.do(http.MethodPut, "/api/v1/tokens/0/uri", "0xalice", api.SetURIRequest{URI: "QmC"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "owners cannot edit metadata")
}

func TestTransferAndApprovals(t *testing.T) {
	h := newHarness(t)
	h.mint("0xalice", "QmA")

	rec := h.do(http.MethodPost, "/api/v1/tokens/0/transfer", "0xalice", api.TransferRequest{From: "0xalice", To: "0xbob"})
	require.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))

	rec = h.do(http.MethodPost, "/api/v1/tokens/0/approval", "0xalice", api.ApproveRequest{To: "0xcarol"})
	require.Equal(t, http.StatusOK, rec.Code, "approvals are not timelocked")

	rec = h.do(http.MethodGet, "/api/v1/tokens/0/approval", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, registry.Identity("0xcarol"), decode[api.ApprovalResponse](t, rec).Approved)

	h.clock.Advance(100 * time.Second)

	rec = h.do(http.MethodPost, "/api/v1/tokens/0/transfer", "0xmallory", api.TransferRequest{From: "0xalice", To: "0xmallory"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/tokens/0/transfer", "0xcarol", api.TransferRequest{From: "0xalice", To: "0xbob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[registry.TokenView](t, rec)
	assert.Equal(t, registry.Identity("0xbob"), view.Owner)
	assert.Empty(t, view.Approved)

	rec = h.do(http.MethodPut, "/api/v1/operators/0xdave", "0xbob", api.SetOperatorRequest{Approved: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.OperatorResponse{Owner: "0xbob", Operator: "0xdave", Approved: true}, decode[api.OperatorResponse](t, rec))

	rec = h.do(http.MethodGet, "/api/v1/owners/0xbob/operators/0xdave", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.OperatorResponse](t, rec).Approved)

	rec = h.do(http.MethodPost, "/api/v1/tokens/0/transfer", "0xdave", api.TransferRequest{From: "0xbob", To: "0xerin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/owners/0xbob/balance", "", nil)
	assert.Equal(t, uint64(0), decode[api.BalanceResponse](t, rec).Balance)
	rec = h.do(http.MethodGet, "/api/v1/owners/0xerin/balance", "", nil)
	assert.Equal(t, uint64(1), decode[api.BalanceResponse](t, rec).Balance)
}

func TestTimelockAndAuthority(t *testing.T) {
	h := newHarness(t)
	h.mint("0xalice", "QmA")

	rec := h.do(http.MethodPut, "/api/v1/timelock", "0xalice", api.TimelockRequest{Seconds: 0})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPut, "/api/v1/timelock", testAuthority, api.TimelockRequest{Seconds: -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPut, "/api/v1/timelock", testAuthority, api.TimelockRequest{Seconds: 1 << 62})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPut, "/api/v1/timelock", testAuthority, api.TimelockRequest{Seconds: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decode[api.TimelockResponse](t, rec).Seconds)

	rec = h.do(http.MethodGet, "/api/v1/tokens/0", "", nil)
	assert.False(t, decode[registry.TokenView](t, rec).Locked, "shortening the timelock unlocks existing tokens")

	rec = h.do(http.MethodPut, "/api/v1/authority", testAuthority, api.AuthorityRequest{Authority: "0xnew"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, registry.Identity("0xnew"), decode[api.AuthorityResponse](t, rec).Authority)

	rec = h.do(http.MethodPost, "/api/v1/tokens", testAuthority, api.MintRequest{To: "0xalice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/authority", "0xnew", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[api.AuthorityResponse](t, rec).Authority)

	rec = h.do(http.MethodPost, "/api/v1/tokens", "0xnew", api.MintRequest{To: "0xalice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAudit(t *testing.T) {
	h := newHarness(t)
	h.mint("0xalice", "QmA")
	h.mint("0xbob", "QmB")
	h.clock.Advance(time.Hour)
	rec := h.do(http.MethodPut, "/api/v1/tokens/1/uri", testAuthority, api.SetURIRequest{URI: "QmB2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/audit?kind=minted", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*audit.Entry](t, rec), 2)

	rec = h.do(http.MethodGet, "/api/v1/audit?subject=token:1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*audit.Entry](t, rec), 2)

	rec = h.do(http.MethodGet, "/api/v1/audit?limit=1", "", nil)
	assert.Len(t, decode[[]*audit.Entry](t, rec), 1)

	rec = h.do(http.MethodGet, "/api/v1/audit?start=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[api.AuditVerifyResponse](t, rec)
	assert.True(t, v.OK)
	assert.Equal(t, 3, v.Entries)
	assert.Equal(t, h.chain.Head(), v.Head)

	rec = h.do(http.MethodGet, "/api/v1/audit/export?start=2&end=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bundle := decode[audit.Bundle](t, rec)
	assert.Equal(t, 2, bundle.EntryCount)
	require.NoError(t, audit.VerifyBundle(&bundle))

	rec = h.do(http.MethodGet, "/api/v1/audit/export?start=10", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAudit_Disabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Audit = nil })
	for _, path := range []string{"/api/v1/audit", "/api/v1/audit/verify", "/api/v1/audit/export"} {
		rec := h.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Limiter = ratelimit.NewInMemoryLimiterStoreWithClock(func() time.Time { return epoch })
		o.Policy = ratelimit.Policy{RPM: 60, Burst: 2}
	})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = h.do(http.MethodGet, "/health", "0xalice", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "authenticated callers have their own bucket")
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CORSOrigins = []string{"https://hof.example"} })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://hof.example")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	assert.Equal(t, "https://hof.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
