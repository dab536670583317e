package eventbroker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractorKind discriminates the tagged union of ways a value can be pulled
// out of an event payload.
type ExtractorKind string

const (
	// KindJSONPath pulls a value from the event payload at Path, coercing it
	// to ExpectedType.
	KindJSONPath ExtractorKind = "json_path"
	// KindConst never looks at the payload; it always yields Value. Useful
	// for synthetic fields a FieldMap wants to expose uniformly.
	KindConst ExtractorKind = "const"
)

// ValueType is the set of primitive types an ExtractorSpec can coerce to.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
)

// ExtractorSpec describes how to pull one typed field out of a raw event.
// It is an opaque structure from the caller's point of view; only Load and
// CheckFilterConfig construct and validate it.
type ExtractorSpec struct {
	Kind ExtractorKind `json:"kind"`

	// Path is a gjson path, used when Kind == KindJSONPath.
	Path string `json:"path,omitempty"`

	// ExpectedType constrains the coercion applied to the extracted value.
	ExpectedType ValueType `json:"expected_type,omitempty"`

	// Value is the fixed literal returned when Kind == KindConst.
	Value interface{} `json:"value,omitempty"`
}

// rawExtractorSpec mirrors ExtractorSpec but also accepts the shorthand
// two-field form `{"path": "...", "expected_type": "..."}` with Kind implied
// to be KindJSONPath when Kind is omitted.
type rawExtractorSpec struct {
	Kind         ExtractorKind `json:"kind"`
	Path         string        `json:"path"`
	ExpectedType ValueType     `json:"expected_type"`
	Value        interface{}   `json:"value"`
}

// FieldMap maps a field name, as referenced by subscription constraints, to
// the spec that extracts it from an event payload.
type FieldMap map[string]ExtractorSpec

// ExtractorMap maps event_type to the FieldMap describing its indexable
// fields. It is replaced wholesale on reload; never mutated in place.
type ExtractorMap map[string]FieldMap

// ForEventType returns the FieldMap for eventType, or an empty FieldMap when
// the type is unknown to m.
func (m ExtractorMap) ForEventType(eventType string) FieldMap {
	if fm, ok := m[eventType]; ok {
		return fm
	}
	return FieldMap{}
}

// Load parses source into an ExtractorMap. source is either a filesystem
// path or an inline JSON document; selection is by heuristic: if a file
// exists at that path, its contents are used, otherwise source itself is
// parsed as JSON. An empty source yields an empty ExtractorMap.
func Load(source string) (ExtractorMap, error) {
	if strings.TrimSpace(source) == "" {
		return ExtractorMap{}, nil
	}

	content := source
	if data, err := os.ReadFile(source); err == nil {
		content = string(data)
	} else if !looksLikeJSON(source) {
		return nil, newError(CodeConfigLoad, fmt.Sprintf("extractor config source is neither a readable file nor inline JSON: %v", err))
	}

	var raw map[string]map[string]rawExtractorSpec
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, newError(CodeConfigParse, fmt.Sprintf("failed to parse extractor config: %v", err))
	}

	out := make(ExtractorMap, len(raw))
	for eventType, fields := range raw {
		fm := make(FieldMap, len(fields))
		for fieldName, rs := range fields {
			fm[fieldName] = specFromRaw(rs)
		}
		if err := CheckFilterConfig(fm); err != nil {
			return nil, err
		}
		out[eventType] = fm
	}
	return out, nil
}

func specFromRaw(rs rawExtractorSpec) ExtractorSpec {
	kind := rs.Kind
	if kind == "" {
		kind = KindJSONPath
	}
	return ExtractorSpec{
		Kind:         kind,
		Path:         rs.Path,
		ExpectedType: rs.ExpectedType,
		Value:        rs.Value,
	}
}

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
}

// CheckFilterConfig validates that every ExtractorSpec in fm is well-formed:
// a known kind with a consistent target type. It never inspects event
// payloads; it only validates the declarative config.
func CheckFilterConfig(fm FieldMap) error {
	for fieldName, spec := range fm {
		switch spec.Kind {
		case KindJSONPath:
			if spec.Path == "" {
				return newError(CodeConfigInvalid, fmt.Sprintf("field %q: json_path extractor requires a non-empty path", fieldName))
			}
			switch spec.ExpectedType {
			case TypeString, TypeNumber, TypeBool, "":
			default:
				return newError(CodeConfigInvalid, fmt.Sprintf("field %q: unknown expected_type %q", fieldName, spec.ExpectedType))
			}
		case KindConst:
			if spec.Value == nil {
				return newError(CodeConfigInvalid, fmt.Sprintf("field %q: const extractor requires a non-nil value", fieldName))
			}
		default:
			return newError(CodeConfigInvalid, fmt.Sprintf("field %q: unknown extractor kind %q", fieldName, spec.Kind))
		}
	}
	return nil
}

// Extract applies spec to payload, returning the typed value under Go's
// native comparable types (string, float64, bool) so callers can compare
// extracted values with typed equality. ok is false when extraction failed
// (missing path, type mismatch) — the caller must treat this as a non-match,
// never as a crash.
func Extract(spec ExtractorSpec, payload json.RawMessage) (value interface{}, ok bool) {
	switch spec.Kind {
	case KindConst:
		return spec.Value, true
	case KindJSONPath:
		result := gjson.GetBytes(payload, spec.Path)
		if !result.Exists() {
			return nil, false
		}
		return coerce(result, spec.ExpectedType)
	default:
		return nil, false
	}
}

func coerce(result gjson.Result, expected ValueType) (interface{}, bool) {
	switch expected {
	case TypeString:
		if result.Type != gjson.String {
			return nil, false
		}
		return result.Str, true
	case TypeNumber:
		if result.Type != gjson.Number {
			return nil, false
		}
		return result.Num, true
	case TypeBool:
		if result.Type != gjson.True && result.Type != gjson.False {
			return nil, false
		}
		return result.Bool(), true
	default:
		// No declared type: pass through the natural Go value.
		switch result.Type {
		case gjson.String:
			return result.Str, true
		case gjson.Number:
			return result.Num, true
		case gjson.True, gjson.False:
			return result.Bool(), true
		default:
			return nil, false
		}
	}
}
