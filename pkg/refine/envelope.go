package refine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EnvelopeMarker is the field that tags a wire object as an Envelope.
const EnvelopeMarker = "__IsReFiNe"

// Envelope wraps an object value with a stable key so that the value can be
// recognized after a round trip through the host, which re-serializes it.
//
// Two envelopes with equal Key denote the same logical value.
//
// Wire form: {"__IsReFiNe": 1, "k": "<key>", "v": <value>}
type Envelope struct {
	Key   string
	Value any
}

// MarshalJSON encodes the envelope in its wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// Wire returns the envelope as a plain structural value.
func (e Envelope) Wire() map[string]any {
	return map[string]any{
		EnvelopeMarker: 1,
		"k":            e.Key,
		"v":            e.Value,
	}
}

// NewEnvelope wraps value under a freshly generated key.
func NewEnvelope(value any) Envelope {
	return Envelope{Key: newStableKey(), Value: value}
}

// IsEnvelope reports whether raw is the wire form of an Envelope.
func IsEnvelope(raw any) bool {
	_, ok, err := parseEnvelope(raw)
	return ok && err == nil
}

// parseEnvelope decodes raw as an envelope.
// ok is false when raw is not tagged as an envelope at all; err is set when it
// is tagged but malformed.
func parseEnvelope(raw any) (env Envelope, ok bool, err error) {
	switch r := raw.(type) {
	case Envelope:
		return r, true, nil
	case *Envelope:
		if r == nil {
			return Envelope{}, false, nil
		}
		return *r, true, nil
	case map[string]any:
		marker, tagged := r[EnvelopeMarker]
		if !tagged || !isMarkerSet(marker) {
			return Envelope{}, false, nil
		}
		key, _ := r["k"].(string)
		if key == "" {
			return Envelope{}, true, fmt.Errorf("envelope has no stable key")
		}
		value, hasValue := r["v"]
		if !hasValue || value == nil {
			return Envelope{}, true, fmt.Errorf("envelope %q has no value", key)
		}
		return Envelope{Key: key, Value: value}, true, nil
	default:
		return Envelope{}, false, nil
	}
}

func isMarkerSet(marker any) bool {
	switch m := marker.(type) {
	case float64:
		return m == 1
	case int:
		return m == 1
	case int64:
		return m == 1
	case json.Number:
		return m.String() == "1"
	default:
		return false
	}
}

func newStableKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
