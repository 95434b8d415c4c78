package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/negotiation"
)

// runTrustCmd implements `meshnode trust <score|observe|revoke|merge|receipt>`.
func runTrustCmd(args []string, stdout, stderr io.Writer) int {
	sub := args[0]
	cmd := flag.NewFlagSet("trust "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		in         string
		unsigned   bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	if sub == "merge" {
		cmd.StringVar(&in, "in", "-", "Revocation list")
		cmd.BoolVar(&unsigned, "unsigned", false, "Accept a bare JSON array of base64 keys")
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	n, err := openNode(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(ctx)

	switch sub {
	case "score", "observe", "revoke":
		if cmd.NArg() == 0 {
			_, _ = fmt.Fprintf(stderr, "Usage: meshnode trust %s <base64-key>...\n", sub)
			return 2
		}
		for _, arg := range cmd.Args() {
			raw, err := base64.StdEncoding.DecodeString(arg)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", arg, err)
				return 2
			}
			key, err := crypto.NormalizePublicKey(raw)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", arg, err)
				return 2
			}
			if err := n.trustKey(ctx, sub, key, arg, stdout); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
		return 0

	case "merge":
		raw, err := readInput(in)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		var keys []string
		if unsigned {
			err = json.Unmarshal(raw, &keys)
			for i, k := range keys {
				keys[i] = crypto.NormalizePublicKeyBase64(k)
			}
		} else {
			authorities, _ := n.cfg.AuthorityKeys()
			keys, err = negotiation.VerifyRevocations(raw, authorities)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: revocation list: %v\n", err)
			return 1
		}
		added, err := n.ledger.MergeRevocations(ctx, keys)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "merged %d keys (%d new)\n", len(keys), added)
		return 0

	case "receipt":
		if cmd.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "Usage: meshnode trust receipt <content-id>")
			return 2
		}
		signer, ok, err := n.ledger.Receipt(ctx, cmd.Arg(0))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if !ok {
			_, _ = fmt.Fprintln(stdout, "no receipt")
			return 1
		}
		_, _ = fmt.Fprintln(stdout, signer)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown trust subcommand: %s\n", sub)
		return 2
	}
}

func (n *node) trustKey(ctx context.Context, sub string, key []byte, label string, stdout io.Writer) error {
	switch sub {
	case "observe":
		if err := n.ledger.RecordObservedKey(ctx, key); err != nil {
			return err
		}
	case "revoke":
		if err := n.ledger.Revoke(ctx, key); err != nil {
			return err
		}
	}
	score, err := n.ledger.TrustScore(ctx, key)
	if err != nil {
		return err
	}
	revoked, err := n.ledger.IsRevoked(ctx, key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s score=%d revoked=%t\n", label, score, revoked)
	return err
}
