package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "mint":
		return runMintCmd(args[2:], stdout, stderr)
	case "set-uri":
		return runSetURICmd(args[2:], stdout, stderr)
	case "transfer":
		return runTransferCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], stdout, stderr)
	case "set-operator":
		return runSetOperatorCmd(args[2:], stdout, stderr)
	case "set-timelock":
		return runSetTimelockCmd(args[2:], stdout, stderr)
	case "transfer-authority":
		return runTransferAuthorityCmd(args[2:], stdout, stderr)
	case "renounce-authority":
		return runRenounceAuthorityCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "owner-of":
		return runOwnerOfCmd(args[2:], stdout, stderr)
	case "token-uri":
		return runTokenURICmd(args[2:], stdout, stderr)
	case "balance-of":
		return runBalanceOfCmd(args[2:], stdout, stderr)
	case "timelock":
		return runTimelockCmd(args[2:], stdout, stderr)
	case "audit-verify":
		return runAuditVerifyCmd(args[2:], stdout, stderr)
	case "issue-token":
		return runIssueTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sShapeshift Hall of Fame %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sTimelocked token registry.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  hof <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the registry API server")
	printCommand(w, "issue-token", "Sign a caller token with HOF_JWT_SECRET")

	printSection(w, "AUTHORITY")
	printCommand(w, "mint", "Mint a token (--to, --uri)")
	printCommand(w, "set-uri", "Replace an unlocked token's metadata (--id, --uri)")
	printCommand(w, "set-timelock", "Change the registry-wide timelock (--duration)")
	printCommand(w, "transfer-authority", "Hand the authority role to another identity (--to)")
	printCommand(w, "renounce-authority", "Give up the authority role for good (--yes)")

	printSection(w, "HOLDERS")
	printCommand(w, "transfer", "Transfer an unlocked token (--id, --from, --to)")
	printCommand(w, "approve", "Approve a delegate for one token (--id, --to)")
	printCommand(w, "set-operator", "Grant or revoke an operator (--operator, --approved)")

	printSection(w, "QUERIES")
	printCommand(w, "token", "Show a token and its lock state (--id)")
	printCommand(w, "owner-of", "Show a token's owner (--id)")
	printCommand(w, "token-uri", "Show a token's metadata URI (--id)")
	printCommand(w, "balance-of", "Count an identity's tokens (--owner)")
	printCommand(w, "timelock", "Show the registry-wide timelock")
	printCommand(w, "audit-verify", "Verify the server's audit hash chain")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information (--check)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-19s%s %s\n", ColorGreen, name, ColorReset, desc)
}
