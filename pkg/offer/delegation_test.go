package offer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
)

// buildChain signs root -> mid -> holder: each link delegates to the next issuer, the last one
// to holder.
func buildChain(t *testing.T, issuers []*crypto.Ed25519Signer, holder *crypto.Ed25519Signer) map[string]any {
	t.Helper()
	links := make([]any, 0, len(issuers))
	for i, s := range issuers {
		subject := holder.PublicKeyBase64()
		if i+1 < len(issuers) {
			subject = issuers[i+1].PublicKeyBase64()
		}
		link, err := crypto.SignDelegation(s, map[string]any{
			"scope":            "storage:write",
			"subjectPublicKey": subject,
			"expires_at":       testNow.Add(time.Hour).Format(time.RFC3339),
		})
		require.NoError(t, err)
		links = append(links, link)
	}
	return map[string]any{"delegations": links}
}

func offerWithCapability(t *testing.T, holder *crypto.Ed25519Signer, capability map[string]any) []byte {
	t.Helper()
	// round trip through JSON so the capability is signed in its wire form
	capRaw, err := json.Marshal(capability)
	require.NoError(t, err)
	var capWire map[string]any
	require.NoError(t, json.Unmarshal(capRaw, &capWire))

	o := baseOffer()
	o["capability"] = capWire
	return signedBytes(t, holder, o, true)
}

func TestVerify_DelegationChainValid(t *testing.T) {
	ctx := context.Background()
	root, mid, holder := newSigner(t), newSigner(t), newSigner(t)
	lg := ledger.NewMemoryLedger()

	raw := offerWithCapability(t, holder, buildChain(t, []*crypto.Ed25519Signer{root, mid}, holder))
	res := NewVerifier(Options{Now: fixedNow, Ledger: lg}).Verify(ctx, raw, "r1")
	require.True(t, res.Valid, res.String())
	require.True(t, res.Offer.Delegated())
	assert.Len(t, res.Offer.Capability.Links, 2)

	for _, s := range []*crypto.Ed25519Signer{root, mid} {
		score, err := lg.TrustScore(ctx, s.PublicKeyDER())
		require.NoError(t, err)
		assert.Equal(t, 1, score)
	}
}

func TestVerify_DelegationChainRawSubjectKey(t *testing.T) {
	root, holder := newSigner(t), newSigner(t)
	link, err := crypto.SignDelegation(root, map[string]any{
		"scope":            "storage:write",
		"subjectPublicKey": base64.StdEncoding.EncodeToString(holder.PublicKey()),
	})
	require.NoError(t, err)

	raw := offerWithCapability(t, holder, map[string]any{"delegations": []any{link}})
	res := NewVerifier(Options{Now: fixedNow}).Verify(context.Background(), raw, "r1")
	require.True(t, res.Valid, res.String())
	assert.Equal(t, root.PublicKeyDER(), res.Offer.Capability.Links[0].IssuerPublicKey)
}

func TestVerify_ReplayedChainDoesNotRaiseIssuerTrust(t *testing.T) {
	ctx := context.Background()
	root, holder := newSigner(t), newSigner(t)
	lg := ledger.NewMemoryLedger()
	v := NewVerifier(Options{Now: fixedNow, Ledger: lg})

	capRaw, err := json.Marshal(buildChain(t, []*crypto.Ed25519Signer{root}, holder))
	require.NoError(t, err)
	var capWire map[string]any
	require.NoError(t, json.Unmarshal(capRaw, &capWire))
	o := baseOffer()
	o["capability"] = capWire
	o["tokenId"] = "tok-chain"
	raw := signedBytes(t, holder, o, true)

	require.True(t, v.Verify(ctx, raw, "r1").Valid)
	for i := 0; i < 4; i++ {
		res := v.Verify(ctx, raw, "r1")
		require.Equal(t, ReasonReplay, res.Reason, res.String())
	}

	for _, s := range []*crypto.Ed25519Signer{root, holder} {
		score, err := lg.TrustScore(ctx, s.PublicKeyDER())
		require.NoError(t, err)
		assert.Equal(t, 1, score)
	}
}

func TestVerify_DelegationChainWithoutLedger(t *testing.T) {
	root, holder := newSigner(t), newSigner(t)
	raw := offerWithCapability(t, holder, buildChain(t, []*crypto.Ed25519Signer{root}, holder))

	res := NewVerifier(Options{Now: fixedNow}).Verify(context.Background(), raw, "r1")
	assert.True(t, res.Valid, res.String())

	res = NewVerifier(Options{Now: fixedNow, RequireChainLedger: true}).Verify(context.Background(), raw, "r1")
	assert.Equal(t, ReasonChainInvalid, res.Reason)
}

func TestVerify_EmptyChainClaimsNothing(t *testing.T) {
	holder := newSigner(t)
	raw := offerWithCapability(t, holder, map[string]any{"delegations": []any{}})

	res := NewVerifier(Options{Now: fixedNow, Ledger: ledger.NewMemoryLedger()}).Verify(context.Background(), raw, "r1")
	require.True(t, res.Valid, res.String())
	assert.False(t, res.Offer.Delegated())
}

func TestVerify_DelegationChainTamper(t *testing.T) {
	root, mid, holder := newSigner(t), newSigner(t), newSigner(t)

	for idx := 0; idx < 2; idx++ {
		chain := buildChain(t, []*crypto.Ed25519Signer{root, mid}, holder)
		link := chain["delegations"].([]any)[idx].(map[string]any)
		link["payload"].(map[string]any)["scope"] = "storage:admin"

		// the holder signs over the tampered chain, so only the link signature can catch it
		raw := offerWithCapability(t, holder, chain)
		res := NewVerifier(Options{Now: fixedNow}).Verify(context.Background(), raw, "r1")
		assert.Equal(t, ReasonChainInvalid, res.Reason, "link %d: %s", idx, res.String())
	}
}

func TestVerify_DelegationChainFailures(t *testing.T) {
	ctx := context.Background()
	root, mid, holder, stranger := newSigner(t), newSigner(t), newSigner(t), newSigner(t)

	expiredLink, err := crypto.SignDelegation(root, map[string]any{
		"scope":      "storage:write",
		"expires_at": testNow.Format(time.RFC3339),
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		chain map[string]any
		setup func(lg ledger.Ledger)
	}{
		{
			name:  "no delegations key",
			chain: map[string]any{"links": []any{}},
		},
		{
			name:  "expired link",
			chain: map[string]any{"delegations": []any{expiredLink}},
		},
		{
			name:  "delegated to a different holder",
			chain: buildChain(t, []*crypto.Ed25519Signer{root, mid}, stranger),
		},
		{
			name: "link missing payload",
			chain: map[string]any{"delegations": []any{map[string]any{
				"issuerPublicKey": root.PublicKeyBase64(),
				"signature":       "AAAA",
			}}},
		},
		{
			name: "link with bad base64",
			chain: map[string]any{"delegations": []any{map[string]any{
				"issuerPublicKey": "!!",
				"signature":       "AAAA",
				"payload":         map[string]any{},
			}}},
		},
		{
			name: "revoked issuer named by its raw key",
			chain: func() map[string]any {
				chain := buildChain(t, []*crypto.Ed25519Signer{root, mid}, holder)
				link := chain["delegations"].([]any)[1].(map[string]any)
				link["issuerPublicKey"] = base64.StdEncoding.EncodeToString(mid.PublicKey())
				return chain
			}(),
			setup: func(lg ledger.Ledger) { require.NoError(t, lg.Revoke(ctx, mid.PublicKeyDER())) },
		},
		{
			name:  "revoked issuer",
			chain: buildChain(t, []*crypto.Ed25519Signer{root, mid}, holder),
			setup: func(lg ledger.Ledger) { require.NoError(t, lg.Revoke(ctx, mid.PublicKeyDER())) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg := ledger.NewMemoryLedger()
			if tt.setup != nil {
				tt.setup(lg)
			}
			raw := offerWithCapability(t, holder, tt.chain)
			res := NewVerifier(Options{Now: fixedNow, Ledger: lg}).Verify(ctx, raw, "r1")
			assert.Equal(t, ReasonChainInvalid, res.Reason, res.String())
		})
	}
}

func TestParseChain(t *testing.T) {
	_, err := ParseChain("nope")
	assert.Error(t, err)

	chain, err := ParseChain(map[string]any{"delegations": []any{}})
	require.NoError(t, err)
	assert.Empty(t, chain.Links)
}
