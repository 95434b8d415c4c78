//go:build property
// +build property

package canonicalize_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dreadstar/abhaya-sensor-android/pkg/canonicalize"
)

// Property: canonical bytes do not depend on the order keys were written in.
func TestForSigningOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reversed insertion order yields identical bytes", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := []byte("{")
			backward := []byte("{")
			seen := map[string]bool{}
			var pairs [][2]string
			for i := 0; i < len(keys) && i < len(values); i++ {
				if seen[keys[i]] {
					continue
				}
				seen[keys[i]] = true
				pairs = append(pairs, [2]string{keys[i], values[i]})
			}
			for i, p := range pairs {
				if i > 0 {
					forward = append(forward, ',')
				}
				forward = appendPair(forward, p)
			}
			for i := len(pairs) - 1; i >= 0; i-- {
				if i < len(pairs)-1 {
					backward = append(backward, ',')
				}
				backward = appendPair(backward, pairs[i])
			}
			forward = append(forward, '}')
			backward = append(backward, '}')

			a, errA := canonicalize.ForSigningJSON(forward)
			b, errB := canonicalize.ForSigningJSON(backward)
			if errA != nil || errB != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("only signature and signerPublicKey are stripped", prop.ForAll(
		func(key string, value string) bool {
			obj := map[string]any{key: value, "signature": "s", "signerPublicKey": "k"}
			b, err := canonicalize.ForSigning(obj)
			if err != nil {
				return false
			}
			var back map[string]any
			if err := json.Unmarshal(b, &back); err != nil {
				return false
			}
			_, hasSig := back["signature"]
			_, hasKey := back["signerPublicKey"]
			if key == "signature" || key == "signerPublicKey" {
				return !hasSig && !hasKey && len(back) == 0
			}
			return !hasSig && !hasKey && back[key] == value
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func appendPair(dst []byte, p [2]string) []byte {
	k, _ := json.Marshal(p[0])
	v, _ := json.Marshal(p[1])
	dst = append(dst, k...)
	dst = append(dst, ':')
	return append(dst, v...)
}
