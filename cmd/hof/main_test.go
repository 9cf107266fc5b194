package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/config"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const testSecret = "cli-test-secret"

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"hof"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func testConfig(t *testing.T, store string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store = store
	cfg.SQLitePath = filepath.Join(t.TempDir(), "hof.db")
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	cfg.DatabaseURL = "postgres://hof@localhost/hof?sslmode=disable"
	cfg.Authority = "0xauthority"
	cfg.JWTSecret = testSecret
	cfg.RateLimitRPM = 0
	require.NoError(t, cfg.Validate())
	return &cfg
}

func startApp(t *testing.T, cfg *config.Config, auditOut io.Writer) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), auditOut)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.NewIssuer([]byte(testSecret), "hof").Issue(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestRun_Dispatch(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "renounce-authority")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "hof "+version+"\n", stdout)
}

func TestRun_RequiredFlags(t *testing.T) {
	tests := [][]string{
		{"mint"},
		{"set-uri", "--id", "0"},
		{"transfer", "--id", "0", "--from", "0xa"},
		{"approve"},
		{"set-operator"},
		{"set-timelock"},
		{"transfer-authority"},
		{"token"},
		{"owner-of"},
		{"token-uri"},
		{"balance-of"},
		{"issue-token"},
	}
	for _, args := range tests {
		t.Run(args[0], func(t *testing.T) {
			code, _, stderr := run(args...)
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr, "is required")
		})
	}

	code, _, stderr := run("renounce-authority")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--yes")

	code, _, stderr = run("set-timelock", "--duration", "1500ms")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "whole number of seconds")
}

func TestIssueToken(t *testing.T) {
	t.Setenv("HOF_JWT_SECRET", testSecret)
	t.Setenv("HOF_JWT_ISSUER", "hof")

	code, stdout, stderr := run("issue-token", "--subject", "0xalice", "--ttl", "1h")
	require.Equal(t, 0, code, stderr)

	claims, err := auth.NewJWTValidator([]byte(testSecret), "hof").Validate(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "0xalice", claims.Subject)

	t.Setenv("HOF_JWT_SECRET", "")
	code, _, stderr = run("issue-token", "--subject", "0xalice")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "HOF_JWT_SECRET")
}

func TestNewApp_Stores(t *testing.T) {
	for _, store := range []string{config.StoreMemory, config.StoreSQLite, config.StoreFile} {
		t.Run(store, func(t *testing.T) {
			var audit bytes.Buffer
			a := startApp(t, testConfig(t, store), &audit)

			id, err := a.registry.Mint(context.Background(), "0xauthority", "0xalice", "QmA")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), id)
			assert.Equal(t, 1, a.chain.Len())
			assert.True(t, strings.HasPrefix(audit.String(), "AUDIT: "))
		})
	}
}

func TestNewApp_ReloadsState(t *testing.T) {
	cfg := testConfig(t, config.StoreSQLite)

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), io.Discard)
	require.NoError(t, err)
	_, err = a.registry.Mint(context.Background(), "0xauthority", "0xalice", "QmA")
	require.NoError(t, err)
	require.NoError(t, a.registry.SetTimelockDuration(context.Background(), "0xauthority", time.Minute))
	require.NoError(t, a.Close(context.Background()))

	cfg.Authority = "0xignored"
	b := startApp(t, cfg, io.Discard)
	assert.Equal(t, registry.Identity("0xauthority"), b.registry.Authority())
	assert.Equal(t, time.Minute, b.registry.TimelockDuration())
	owner, err := b.registry.OwnerOf(0)
	require.NoError(t, err)
	assert.Equal(t, registry.Identity("0xalice"), owner)
}

func TestNewApp_Errors(t *testing.T) {
	cfg := testConfig(t, config.StorePostgres)
	cfg.DatabaseURL = "host=localhost dbname=hof"
	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), io.Discard)
	assert.ErrorContains(t, err, "postgres:// URL")

	cfg = testConfig(t, config.StoreMemory)
	cfg.Authority = ""
	_, err = newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), io.Discard)
	assert.ErrorIs(t, err, registry.ErrInvalidArgument)
}

func TestClientCommands(t *testing.T) {
	a := startApp(t, testConfig(t, config.StoreMemory), io.Discard)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	t.Setenv("HOF_SERVER_URL", ts.URL)
	t.Setenv("HOF_TOKEN", token(t, "0xauthority"))

	code, stdout, stderr := run("mint", "--to", "0xalice", "--uri", "QmA")
	require.Equal(t, 0, code, stderr)
	var view registry.TokenView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.Equal(t, registry.Identity("0xalice"), view.Owner)
	assert.Equal(t, "ipfs://QmA", view.URI)

	code, stdout, _ = run("owner-of", "--id", "0")
	require.Equal(t, 0, code)
	assert.Equal(t, "0xalice\n", stdout)

	code, stdout, _ = run("token-uri", "--id", "0")
	require.Equal(t, 0, code)
	assert.Equal(t, "ipfs://QmA\n", stdout)

	code, stdout, _ = run("balance-of", "--owner", "0xalice")
	require.Equal(t, 0, code)
	assert.Equal(t, "1\n", stdout)

	code, stdout, _ = run("set-timelock", "--duration", "1h")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"seconds": 3600`)

	code, _, stderr = run("set-uri", "--id", "0", "--uri", "QmB")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "timelocked until")

	code, _, stderr = run("transfer", "--id", "0", "--from", "0xalice", "--to", "0xbob", "--token", token(t, "0xalice"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "timelocked until")

	code, _, stderr = run("mint", "--to", "0xbob", "--token", token(t, "0xmallory"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "403")

	code, stdout, _ = run("set-timelock", "--duration", "0s")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"seconds": 0`)

	code, _, stderr = run("transfer", "--id", "0", "--from", "0xalice", "--to", "0xbob", "--token", token(t, "0xalice"))
	require.Equal(t, 0, code, stderr)

	code, stdout, _ = run("approve", "--id", "0", "--to", "0xcarol", "--token", token(t, "0xbob"))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "0xcarol")

	code, stdout, _ = run("set-operator", "--operator", "0xdave", "--token", token(t, "0xbob"))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"approved": true`)

	code, stdout, _ = run("timelock")
	require.Equal(t, 0, code)
	assert.Equal(t, "0s\n", stdout)

	code, stdout, _ = run("audit-verify")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"ok": true`)

	code, stdout, stderr = run("version", "--check")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "server "+version)

	code, _, _ = run("transfer-authority", "--to", "0xnew")
	require.Equal(t, 0, code)
	code, _, _ = run("renounce-authority", "--yes", "--token", token(t, "0xnew"))
	require.Equal(t, 0, code)
	assert.Empty(t, a.registry.Authority())

	code, _, stderr = run("token", "--id", "9")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "404")
}

func TestClientCommands_Unreachable(t *testing.T) {
	code, _, stderr := run("timelock", "--server", "http://127.0.0.1:1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error:")
}
