package eventbroker

import "encoding/json"

// Constraint is one equality test a Subscription places on an extracted
// event field.
type Constraint struct {
	FieldName     string      `json:"field_name"`
	ExpectedValue interface{} `json:"expected_value"`
}

// Subscription is an immutable record: one subscriber's interest in one
// event type, gated by a list of field constraints. An empty Constraints
// list matches every event of EventType.
type Subscription struct {
	ID         string `json:"id"`
	Subscriber SubscriberEndpoint
	EventType  string       `json:"event_type"`
	Constraints []Constraint `json:"constraints"`
}

// referencesUnknownField reports whether any constraint names a field absent
// from fm. Subscriptions that reference unknown fields at refresh time are
// rejected by the Worker (spec data model invariant); fields that disappear
// later via reload instead make the subscription inert, not rejected.
func (s Subscription) referencesUnknownField(fm FieldMap) (string, bool) {
	for _, c := range s.Constraints {
		if _, ok := fm[c.FieldName]; !ok {
			return c.FieldName, true
		}
	}
	return "", false
}

// matches evaluates every constraint against payload using the extractor
// bound to each field name in fm. A missing field_name in fm makes the
// subscription not match silently; a failed extraction (bad payload shape,
// type mismatch) also makes it not match but is reported via extractionErr
// so the caller can count it, per the ExtractionError error-taxonomy entry.
// Neither case ever errors upward or panics.
func (s Subscription) matches(fm FieldMap, payload json.RawMessage) (matched, extractionErr bool) {
	for _, c := range s.Constraints {
		spec, ok := fm[c.FieldName]
		if !ok {
			return false, false
		}
		value, ok := Extract(spec, payload)
		if !ok {
			return false, true
		}
		if !typedEqual(value, c.ExpectedValue) {
			return false, false
		}
	}
	return true, false
}

// typedEqual compares two values under typed equality: numbers by value,
// strings by byte equality, booleans nominally. json.Unmarshal of a
// Constraint's ExpectedValue yields float64/string/bool/nil, matching what
// Extract returns, so a direct comparison after normalizing numeric types
// is sufficient.
func typedEqual(a, b interface{}) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
