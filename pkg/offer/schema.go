package offer

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const offerSchemaURL = "https://mesh.schemas.local/offer.schema.json"

// offerSchema checks field types only. Presence of requestId and the responder is checked
// separately so that it reports "missing required field". The capability body is checked by
// chain verification.
const offerSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"requestId":         {"type": ["string", "null"]},
		"responderNode":     {"type": ["string", "null"]},
		"responderIdentity": {"type": ["string", "null"]},
		"availableStorage":  {"type": ["integer", "null"], "minimum": 0},
		"latencyMs":         {"type": ["integer", "null"], "minimum": 0},
		"endpoint":          {"type": ["string", "null"]},
		"expires_at":        {"type": ["string", "null"]},
		"expiresAt":         {"type": ["string", "null"]},
		"timestamp":         {"type": ["string", "null"]},
		"signature":         {"type": ["string", "null"]},
		"signerPublicKey":   {"type": ["string", "null"]},
		"tokenId":           {"type": ["string", "null"]},
		"capability":        {"type": ["object", "null"]}
	}
}`

var compiledOfferSchema = mustCompileSchema(offerSchemaURL, offerSchema)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("offer schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("offer schema compile failed: %v", err))
	}
	return compiled
}

// validateStructure checks a decoded offer against the offer schema.
func validateStructure(obj map[string]any) error {
	if err := compiledOfferSchema.Validate(obj); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
