package arcgis

import (
	"encoding/json"
	"net/url"
	"testing"
)

func TestPartitionContiguous(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5, 6, 7}
	ranges := partitionContiguous(ids, 3)
	want := []idRange{{1, 3}, {4, 6}, {7, 7}}
	if len(ranges) != len(want) {
		t.Fatalf("expected %d ranges, got %d: %+v", len(want), len(ranges), ranges)
	}
	for i, r := range want {
		if ranges[i] != r {
			t.Fatalf("range %d: expected %+v, got %+v", i, r, ranges[i])
		}
	}
}

func TestPartitionContiguous_ExactMultiple(t *testing.T) {
	ranges := partitionContiguous([]int{10, 11, 12, 13}, 2)
	want := []idRange{{10, 11}, {12, 13}}
	for i, r := range want {
		if ranges[i] != r {
			t.Fatalf("range %d: expected %+v, got %+v", i, r, ranges[i])
		}
	}
}

func TestCoerceNumericIntegers(t *testing.T) {
	var props map[string]any
	if err := json.Unmarshal([]byte(`{"count": 42, "ratio": 1.5, "name": "x"}`), &props); err != nil {
		t.Fatal(err)
	}
	out := coerceNumericIntegers(props)

	if v, ok := out["count"].(int64); !ok || v != 42 {
		t.Fatalf("expected count to coerce to int64(42), got %#v", out["count"])
	}
	if v, ok := out["ratio"].(float64); !ok || v != 1.5 {
		t.Fatalf("expected ratio to remain float64(1.5), got %#v", out["ratio"])
	}
	if out["name"] != "x" {
		t.Fatalf("expected name to pass through unchanged, got %#v", out["name"])
	}
}

func TestQueryEndpoint(t *testing.T) {
	base, err := url.Parse("https://gis.example.com/arcgis/rest/services/Parks/FeatureServer/0")
	if err != nil {
		t.Fatal(err)
	}
	got := queryEndpoint(base).String()
	want := "https://gis.example.com/arcgis/rest/services/Parks/FeatureServer/0/query"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestWithQuery(t *testing.T) {
	base, err := url.Parse("https://gis.example.com/x?f=html")
	if err != nil {
		t.Fatal(err)
	}
	got := withQuery(base, url.Values{"f": {"json"}, "where": {"1=1"}})
	parsed, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Query().Get("f") != "json" {
		t.Fatalf("expected f=json to override existing value, got %q", parsed.Query().Get("f"))
	}
	if parsed.Query().Get("where") != "1=1" {
		t.Fatalf("expected where=1=1, got %q", parsed.Query().Get("where"))
	}
}

func TestValidate_RejectsNonFeatureServerURL(t *testing.T) {
	l := &Loader{}
	if l.Validate(nil, "https://example.com/MapServer/0") { //nolint:staticcheck // nil ctx ok, never reaches the HTTP call
		t.Fatal("expected non-FeatureServer URL to be rejected before any request is attempted")
	}
}
