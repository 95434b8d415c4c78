package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeysRecursively(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}

	b, err := Canonicalize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	b, err := Canonicalize(map[string]string{"endpoint": "http://h/up?a=1&b=<2>"})
	require.NoError(t, err)
	assert.Equal(t, `{"endpoint":"http://h/up?a=1&b=<2>"}`, string(b))
}

func TestCanonicalize_PreservesValueTypes(t *testing.T) {
	raw := []byte(`{"s":"x","n":1000,"f":1.50,"t":true,"nil":null,"arr":[3,"b",false],"o":{"k":-2}}`)
	obj, err := Decode(raw)
	require.NoError(t, err)

	b, err := Canonicalize(obj)
	require.NoError(t, err)
	// numbers are emitted exactly as received
	assert.Equal(t, `{"arr":[3,"b",false],"f":1.50,"n":1000,"nil":null,"o":{"k":-2},"s":"x","t":true}`, string(b))
}

func TestCanonicalize_ByteWiseKeyOrder(t *testing.T) {
	b, err := Canonicalize(map[string]any{"b": 1, "B": 2, "é": 3, "a": 4})
	require.NoError(t, err)
	assert.Equal(t, `{"B":2,"a":4,"b":1,"é":3}`, string(b))
}

func TestForSigning_StripsOnlyReservedKeys(t *testing.T) {
	raw := []byte(`{"signature":"c2ln","requestId":"r1","signerPublicKey":"a2V5","responderNode":"B","capability":{"signature":"keep"}}`)

	b, err := ForSigningJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"capability":{"signature":"keep"},"requestId":"r1","responderNode":"B"}`, string(b))
}

func TestForSigning_DoesNotMutateInput(t *testing.T) {
	obj := map[string]any{"signature": "x", "a": "b"}
	_, err := ForSigning(obj)
	require.NoError(t, err)
	assert.Contains(t, obj, "signature")
}

func TestForSigning_InsertionOrderInvariant(t *testing.T) {
	a, err := ForSigningJSON([]byte(`{"requestId":"r1","latencyMs":12,"responderNode":"B"}`))
	require.NoError(t, err)
	b, err := ForSigningJSON([]byte(`{"responderNode":"B","requestId":"r1","latencyMs":12}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecode_RejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `null`, `[]`, `"x"`, `{"a":1} {"b":2}`, `{"a":`} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestContentID_StableAcrossFormatting(t *testing.T) {
	a, err := ContentID([]byte(`{"b": 2, "a": 1}`))
	require.NoError(t, err)
	b, err := ContentID([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
}

func TestContentID_InvalidJSON(t *testing.T) {
	_, err := ContentID([]byte(`{not json`))
	assert.Error(t, err)
}
