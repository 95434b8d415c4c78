package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "canonicalize":
		return runCanonicalizeCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "request":
		return runRequestCmd(args[2:], stdout, stderr)
	case "respond":
		return runRespondCmd(args[2:], stdout, stderr)
	case "trust":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: meshnode trust <score|observe|revoke|merge|receipt>")
			return 2
		}
		return runTrustCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "meshnode %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "meshnode %s\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  meshnode <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "KEYS & DOCUMENTS")
	printCommand(w, "keygen", "Generate an Ed25519 node key (--out)")
	printCommand(w, "sign", "Sign a JSON offer or document (--key, --in)")
	printCommand(w, "canonicalize", "Print the canonical form or content id (--in)")
	printCommand(w, "verify", "Verify an offer (--in, --request-id, --json)")

	printSection(w, "NEGOTIATION")
	printCommand(w, "request", "Broadcast a request, collect and rank offers, optionally upload")
	printCommand(w, "respond", "Answer requests with signed offers until interrupted")

	printSection(w, "TRUST LEDGER")
	printCommand(w, "trust", "score | observe | revoke | merge | receipt")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from MESH_* environment variables or --config <file.yaml>.")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-13s %s\n", name, desc)
}
