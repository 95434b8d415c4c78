//go:build property
// +build property

package ledger

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: a revoked key scores 0 no matter how many observations surround the revocation.
func TestRevocationMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("trust score stays 0 after revoke", prop.ForAll(
		func(before, after uint8) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			key := []byte("property-key")
			for i := 0; i < int(before); i++ {
				if l.RecordObservedKey(ctx, key) != nil {
					return false
				}
			}
			if l.Revoke(ctx, key) != nil {
				return false
			}
			for i := 0; i < int(after); i++ {
				if l.RecordObservedKey(ctx, key) != nil {
					return false
				}
			}
			score, err := l.TrustScore(ctx, key)
			return err == nil && score == 0
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.Property("a token is claimed exactly once", prop.ForAll(
		func(token string, attempts uint8) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			wins := 0
			for i := 0; i <= int(attempts); i++ {
				ok, err := l.ClaimToken(ctx, token, "s")
				if err != nil {
					return false
				}
				if ok {
					wins++
				}
			}
			return wins == 1
		},
		gen.Identifier(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
