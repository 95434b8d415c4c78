package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
)

// runKeygenCmd implements `meshnode keygen`.
//
// The key is encrypted when MESH_KEY_PASSPHRASE is set. The public key is printed as base64 SPKI.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		out   string
		force bool
	)
	cmd.StringVar(&out, "out", "", "Path of the private key file (REQUIRED)")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}
	if _, err := os.Stat(out); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "Error: %s exists (use --force)\n", out)
		return 2
	}

	s, err := crypto.NewEd25519Signer()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := crypto.SaveKeyFile(out, s.PrivateKey(), []byte(os.Getenv("MESH_KEY_PASSPHRASE"))); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, s.PublicKeyBase64())
	return 0
}

// runSignCmd implements `meshnode sign`: reads a JSON object, signs its canonical form and
// prints the signed document.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keyPath  string
		in       string
		embedKey bool
	)
	cmd.StringVar(&keyPath, "key", "", "Private key file (default MESH_KEY_FILE)")
	cmd.StringVar(&in, "in", "-", "JSON document to sign")
	cmd.BoolVar(&embedKey, "embed-key", true, "Embed signerPublicKey in the document")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, _ := loadConfig("")
	s, err := loadSigner(cfg, keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	raw, err := readInput(in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	obj, err := canonicalize.Decode(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := crypto.SignObject(s, obj, embedKey); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	out, err := json.Marshal(obj)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

// runCanonicalizeCmd implements `meshnode canonicalize`.
func runCanonicalizeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("canonicalize", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		in        string
		forSign   bool
		contentID bool
	)
	cmd.StringVar(&in, "in", "-", "JSON document")
	cmd.BoolVar(&forSign, "signing", false, "Strip signature and signerPublicKey first")
	cmd.BoolVar(&contentID, "content-id", false, "Print the sha256 content id instead")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	raw, err := readInput(in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if contentID {
		id, err := canonicalize.ContentID(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, id)
		return 0
	}

	var out []byte
	if forSign {
		out, err = canonicalize.ForSigningJSON(raw)
	} else {
		var obj map[string]any
		if obj, err = canonicalize.Decode(raw); err == nil {
			out, err = canonicalize.Canonicalize(obj)
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
