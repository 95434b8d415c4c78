// Package ledger is the durable trust state shared by every verification: observed keys
// (trust-on-first-use counters), revoked keys, consumed token ids and content receipts.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrInvalidKey is returned for empty keys and for identifiers that would break the log format.
	ErrInvalidKey = errors.New("ledger: invalid key")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("ledger: closed")
)

// Ledger is the trust store consulted by the offer verifier.
//
// Public keys are passed as raw bytes and stored base64 encoded. Every mutation is durable
// before the call returns.
type Ledger interface {
	// RecordObservedKey adds one observation of pub. Repeated calls keep counting.
	RecordObservedKey(ctx context.Context, pub []byte) error

	IsRevoked(ctx context.Context, pub []byte) (bool, error)

	// Revoke permanently distrusts pub. There is no way back.
	Revoke(ctx context.Context, pub []byte) error

	// TrustScore is 0 for revoked keys, otherwise the observation count.
	TrustScore(ctx context.Context, pub []byte) (int, error)

	IsSeenToken(ctx context.Context, tokenID string) (bool, error)
	MarkTokenSeen(ctx context.Context, tokenID, signerB64 string) error

	// ClaimToken marks tokenID as seen and reports whether this call was the first to do so.
	// The check and the mark happen atomically; a false result means replay.
	ClaimToken(ctx context.Context, tokenID, signerB64 string) (bool, error)

	// RecordReceipt associates contentID with the key that attested to it. Last write wins.
	RecordReceipt(ctx context.Context, contentID, signerB64 string) error
	Receipt(ctx context.Context, contentID string) (string, bool, error)

	// MergeRevocations ingests a gossiped revocation list and returns how many keys were new.
	MergeRevocations(ctx context.Context, keysB64 []string) (int, error)

	// Clear wipes memory and durable state. Reset paths only.
	Clear(ctx context.Context) error

	Close() error
}

// EncodeKey is the storage form of a public key.
func EncodeKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func encodeKey(pub []byte) (string, error) {
	if len(pub) == 0 {
		return "", ErrInvalidKey
	}
	return EncodeKey(pub), nil
}

// checkField rejects identifiers that cannot be stored on one "a|b" log line and read back
// unchanged: separators, control characters and surrounding whitespace.
func checkField(s string) error {
	if s == "" || strings.ContainsRune(s, '|') || strings.TrimSpace(s) != s {
		return ErrInvalidKey
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return ErrInvalidKey
	}
	return nil
}

// normalizeRevocations trims entries and drops blanks, malformed lines and duplicates.
func normalizeRevocations(keysB64 []string) []string {
	out := make([]string, 0, len(keysB64))
	seen := make(map[string]struct{}, len(keysB64))
	for _, k := range keysB64 {
		k = strings.TrimSpace(k)
		if checkField(k) != nil {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
