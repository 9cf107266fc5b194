package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/client"
	"github.com/shapeshift/security-hall-of-fame/pkg/config"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

const requestTimeout = 30 * time.Second

// clientFlags registers the connection flags shared by every API command.
// Defaults come from HOF_SERVER_URL and HOF_TOKEN.
type clientFlags struct {
	cmd    *flag.FlagSet
	server string
	token  string
}

func newClientFlags(name string, stderr io.Writer) *clientFlags {
	defaults := config.Default()
	_ = config.ParseEnv(&defaults)

	f := &clientFlags{cmd: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.cmd.SetOutput(stderr)
	f.cmd.StringVar(&f.server, "server", defaults.ServerURL, "API base URL (HOF_SERVER_URL)")
	f.cmd.StringVar(&f.token, "token", defaults.Token, "Bearer token (HOF_TOKEN)")
	return f
}

func (f *clientFlags) client() *client.Client {
	return client.New(f.server, client.WithToken(f.token), client.WithTimeout(requestTimeout))
}

func (f *clientFlags) parse(args []string) bool {
	return f.cmd.Parse(args) == nil
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 2
	}
	return 0
}

// fail reports err and returns the exit code: 1 for rejected operations,
// 2 for transport failures.
func fail(stderr io.Writer, err error) int {
	var locked *registry.LockedError
	if errors.As(err, &locked) && !locked.UnlocksAt.IsZero() {
		_, _ = fmt.Fprintf(stderr, "Error: token is timelocked until %s (%s from now)\n",
			locked.UnlocksAt.UTC().Format(time.RFC3339), time.Until(locked.UnlocksAt).Round(time.Second))
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return 1
	}
	return 2
}

func required(stderr io.Writer, cmd *flag.FlagSet, names ...string) bool {
	set := map[string]bool{}
	cmd.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for _, n := range names {
		if !set[n] {
			_, _ = fmt.Fprintf(stderr, "Error: --%s is required\n", n)
			cmd.Usage()
			return false
		}
	}
	return true
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func runMintCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("mint", stderr)
	to := f.cmd.String("to", "", "Recipient identity (REQUIRED)")
	uri := f.cmd.String("uri", "", "Metadata URI, stored without the collection prefix")
	if !f.parse(args) || !required(stderr, f.cmd, "to") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	view, err := f.client().Mint(ctx, registry.Identity(*to), *uri)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, view)
}

func runSetURICmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("set-uri", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	uri := f.cmd.String("uri", "", "New metadata URI")
	if !f.parse(args) || !required(stderr, f.cmd, "id", "uri") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	view, err := f.client().SetTokenURI(ctx, *id, *uri)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, view)
}

func runTransferCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("transfer", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	from := f.cmd.String("from", "", "Current owner (REQUIRED)")
	to := f.cmd.String("to", "", "New owner (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "id", "from", "to") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	view, err := f.client().TransferFrom(ctx, registry.Identity(*from), registry.Identity(*to), *id)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, view)
}

func runApproveCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("approve", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	to := f.cmd.String("to", "", "Delegate identity; empty clears the approval")
	if !f.parse(args) || !required(stderr, f.cmd, "id") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	c := f.client()
	if err := c.Approve(ctx, registry.Identity(*to), *id); err != nil {
		return fail(stderr, err)
	}
	approved, err := c.GetApproved(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"token_id": *id, "approved": approved})
}

func runSetOperatorCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("set-operator", stderr)
	operator := f.cmd.String("operator", "", "Operator identity (REQUIRED)")
	approved := f.cmd.Bool("approved", true, "Grant (true) or revoke (false)")
	if !f.parse(args) || !required(stderr, f.cmd, "operator") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	if err := f.client().SetApprovalForAll(ctx, registry.Identity(*operator), *approved); err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"operator": *operator, "approved": *approved})
}

func runSetTimelockCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("set-timelock", stderr)
	d := f.cmd.Duration("duration", 0, "New timelock, whole seconds (e.g. 8760h) (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "duration") {
		return 2
	}
	if *d%time.Second != 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --duration must be a whole number of seconds")
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	c := f.client()
	if err := c.SetTimelockDuration(ctx, *d); err != nil {
		return fail(stderr, err)
	}
	got, err := c.TimelockDuration(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"timelock": got.String(), "seconds": int64(got / time.Second)})
}

func runTransferAuthorityCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("transfer-authority", stderr)
	to := f.cmd.String("to", "", "New authority (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "to") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	if err := f.client().TransferAuthority(ctx, registry.Identity(*to)); err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"authority": *to})
}

func runRenounceAuthorityCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("renounce-authority", stderr)
	yes := f.cmd.Bool("yes", false, "Confirm; minting and metadata edits end for good")
	if !f.parse(args) {
		return 2
	}
	if !*yes {
		_, _ = fmt.Fprintln(stderr, "Error: renouncing is irreversible; pass --yes to confirm")
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	if err := f.client().RenounceAuthority(ctx); err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, map[string]any{"authority": ""})
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("token", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "id") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	view, err := f.client().Token(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	return printJSON(stdout, view)
}

func runOwnerOfCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("owner-of", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "id") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	owner, err := f.client().OwnerOf(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, owner)
	return 0
}

func runTokenURICmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("token-uri", stderr)
	id := f.cmd.Uint64("id", 0, "Token ID (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "id") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	uri, err := f.client().TokenURI(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, uri)
	return 0
}

func runBalanceOfCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("balance-of", stderr)
	owner := f.cmd.String("owner", "", "Owner identity (REQUIRED)")
	if !f.parse(args) || !required(stderr, f.cmd, "owner") {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	n, err := f.client().BalanceOf(ctx, registry.Identity(*owner))
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, n)
	return 0
}

func runTimelockCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("timelock", stderr)
	if !f.parse(args) {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	d, err := f.client().TimelockDuration(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, d)
	return 0
}

// runAuditVerifyCmd implements `hof audit-verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken or request rejected
//	2 = runtime error
func runAuditVerifyCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("audit-verify", stderr)
	if !f.parse(args) {
		return 2
	}
	ctx, cancel := withTimeout()
	defer cancel()

	res, err := f.client().VerifyAudit(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if code := printJSON(stdout, res); code != 0 {
		return code
	}
	if !res.OK {
		return 1
	}
	return 0
}

func runIssueTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Caller identity to embed as the token subject (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !required(stderr, cmd, "subject") {
		return 2
	}

	cfg := config.Default()
	if err := config.ParseEnv(&cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.JWTSecret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: HOF_JWT_SECRET is not set")
		return 2
	}

	tok, err := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer).Issue(subject, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	f := newClientFlags("version", stderr)
	check := f.cmd.Bool("check", false, "Also check the server version is supported")
	if !f.parse(args) {
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "hof %s\n", version)
	if !*check {
		return 0
	}

	ctx, cancel := withTimeout()
	defer cancel()
	serverVersion, err := f.client().CheckCompatibility(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "server %s (supported: %s)\n", serverVersion, client.SupportedServers)
	return 0
}
