package eventbroker

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONPath(t *testing.T) {
	payload := json.RawMessage(`{"region":"EU","age":42,"active":true}`)

	tests := []struct {
		name string
		spec ExtractorSpec
		want interface{}
		ok   bool
	}{
		{"string field", ExtractorSpec{Kind: KindJSONPath, Path: "region", ExpectedType: TypeString}, "EU", true},
		{"number field", ExtractorSpec{Kind: KindJSONPath, Path: "age", ExpectedType: TypeNumber}, float64(42), true},
		{"bool field", ExtractorSpec{Kind: KindJSONPath, Path: "active", ExpectedType: TypeBool}, true, true},
		{"missing field", ExtractorSpec{Kind: KindJSONPath, Path: "missing", ExpectedType: TypeString}, nil, false},
		{"type mismatch", ExtractorSpec{Kind: KindJSONPath, Path: "region", ExpectedType: TypeNumber}, nil, false},
		{"untyped passthrough", ExtractorSpec{Kind: KindJSONPath, Path: "region"}, "EU", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.spec, payload)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractConst(t *testing.T) {
	spec := ExtractorSpec{Kind: KindConst, Value: "synthetic"}
	got, ok := Extract(spec, json.RawMessage(`{}`))
	if !ok || got != "synthetic" {
		t.Fatalf("got (%v, %v), want (synthetic, true)", got, ok)
	}
}

func TestCheckFilterConfig(t *testing.T) {
	tests := []struct {
		name    string
		fm      FieldMap
		wantErr bool
	}{
		{"valid json_path", FieldMap{"region": {Kind: KindJSONPath, Path: "region", ExpectedType: TypeString}}, false},
		{"valid const", FieldMap{"synthetic": {Kind: KindConst, Value: 1}}, false},
		{"json_path missing path", FieldMap{"region": {Kind: KindJSONPath}}, true},
		{"json_path bad type", FieldMap{"region": {Kind: KindJSONPath, Path: "region", ExpectedType: "enum"}}, true},
		{"const missing value", FieldMap{"synthetic": {Kind: KindConst}}, true},
		{"unknown kind", FieldMap{"region": {Kind: "xpath"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFilterConfig(tt.fm)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadInlineJSON(t *testing.T) {
	src := `{"order.created":{"region":{"path":"region","expected_type":"string"}}}`
	em, err := Load(src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fm := em.ForEventType("order.created")
	spec, ok := fm["region"]
	if !ok {
		t.Fatalf("expected field %q in FieldMap", "region")
	}
	if spec.Kind != KindJSONPath {
		t.Errorf("shorthand form should default Kind to %q, got %q", KindJSONPath, spec.Kind)
	}
}

func TestLoadEmptySource(t *testing.T) {
	em, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(em) != 0 {
		t.Errorf("expected empty ExtractorMap, got %d entries", len(em))
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	src := `{"order.created":{"region":{"kind":"json_path"}}}`
	if _, err := Load(src); err == nil {
		t.Fatal("expected Load to reject a json_path extractor with no path")
	}
}

func TestForEventTypeUnknown(t *testing.T) {
	em := ExtractorMap{}
	fm := em.ForEventType("nonexistent")
	if len(fm) != 0 {
		t.Errorf("expected empty FieldMap for unknown event type, got %d entries", len(fm))
	}
}
