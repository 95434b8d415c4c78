package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope types carried in the "__delegation_type" field.
const (
	TypeResourceRequest = "ResourceRequest"
	TypeResourceOffer   = "ResourceOffer"
	TypeRevocationList  = "RevocationList"
)

// ProtocolVersion is stamped on outgoing requests.
const ProtocolVersion = "1.0.0"

// Envelope wraps a payload with its type so receivers can route it without parsing the body.
type Envelope struct {
	Type            string          `json:"__delegation_type"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// WrapRequest builds a ResourceRequest envelope. descriptor may be raw JSON ([]byte or
// json.RawMessage) or any value encoding/json can marshal; raw bytes that are not JSON are
// carried as {"raw": "..."}.
func WrapRequest(requestID string, descriptor any) ([]byte, error) {
	if requestID == "" {
		return nil, errors.New("transport: empty requestId")
	}
	payload, err := descriptorJSON(descriptor)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:            TypeResourceRequest,
		ProtocolVersion: ProtocolVersion,
		RequestID:       requestID,
		Payload:         payload,
	})
}

func descriptorJSON(descriptor any) (json.RawMessage, error) {
	switch d := descriptor.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return rawOrWrapped(d)
	case []byte:
		return rawOrWrapped(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal descriptor: %w", err)
		}
		return b, nil
	}
}

func rawOrWrapped(b []byte) (json.RawMessage, error) {
	if json.Valid(b) {
		return append(json.RawMessage(nil), b...), nil
	}
	return json.Marshal(map[string]string{"raw": string(b)})
}

// WrapOffer carries a signed offer as a JSON string so its exact bytes survive re-encoding
// by relays that parse envelopes.
func WrapOffer(requestID string, rawOffer []byte) ([]byte, error) {
	inner, err := json.Marshal(string(rawOffer))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeResourceOffer, RequestID: requestID, Payload: inner})
}

// WrapRevocations wraps a signed revocation list document.
func WrapRevocations(signedList []byte) ([]byte, error) {
	if !json.Valid(signedList) {
		return nil, errors.New("transport: revocation list is not JSON")
	}
	return json.Marshal(Envelope{Type: TypeRevocationList, Payload: signedList})
}

// PeekType returns the envelope type of payload, or "" for anything that is not an envelope
// (a bare signed offer, say).
func PeekType(payload []byte) string {
	var head struct {
		Type string `json:"__delegation_type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.Type
}

// Unwrap decodes an envelope.
func Unwrap(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: bad envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("transport: not an envelope")
	}
	return env, nil
}

// UnwrapRequest decodes a ResourceRequest envelope.
func UnwrapRequest(payload []byte) (Envelope, error) {
	env, err := Unwrap(payload)
	if err != nil {
		return Envelope{}, err
	}
	if env.Type != TypeResourceRequest {
		return Envelope{}, fmt.Errorf("transport: envelope type %q, want %s", env.Type, TypeResourceRequest)
	}
	if env.RequestID == "" {
		return Envelope{}, errors.New("transport: request without requestId")
	}
	return env, nil
}

// UnwrapOffer returns the raw offer bytes carried by a ResourceOffer envelope.
func UnwrapOffer(payload []byte) ([]byte, error) {
	env, err := Unwrap(payload)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeResourceOffer {
		return nil, fmt.Errorf("transport: envelope type %q, want %s", env.Type, TypeResourceOffer)
	}
	var raw string
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		return nil, fmt.Errorf("transport: offer payload: %w", err)
	}
	return []byte(raw), nil
}
