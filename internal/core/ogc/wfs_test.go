package ogc

import (
	"net/url"
	"testing"
)

func TestBuildGetFeatureParams(t *testing.T) {
	v := BuildGetFeatureParams(FeatureParams{
		TypeName:   "demo:NR_polygon",
		StartIndex: 2000,
		Count:      1000,
		SortBy:     "gid",
	})
	assertHas := func(k, want string) {
		if got := v.Get(k); got != want {
			t.Fatalf("param %q got %q want %q", k, got, want)
		}
	}
	assertHas("service", "WFS")
	assertHas("version", "2.0.0")
	assertHas("request", "GetFeature")
	assertHas("typeNames", "demo:NR_polygon")
	assertHas("startIndex", "2000")
	assertHas("count", "1000")
	assertHas("sortBy", "gid")
	assertHas("outputFormat", "application/json")
}

func TestBuildGetFeatureParams_Version110Spelling(t *testing.T) {
	v := BuildGetFeatureParams(FeatureParams{
		Version:    "1.1.0",
		TypeName:   "demo:NR_polygon",
		StartIndex: 100,
		Count:      50,
	})
	if got := v.Get("typeName"); got != "demo:NR_polygon" {
		t.Fatalf("1.1.0 should use typeName, got %q", got)
	}
	if v.Get("typeNames") != "" {
		t.Fatalf("1.1.0 should not set typeNames")
	}
	if got := v.Get("maxFeatures"); got != "50" {
		t.Fatalf("1.1.0 should use maxFeatures, got %q", got)
	}
	if v.Get("count") != "" {
		t.Fatalf("1.1.0 should not set count")
	}
}

func TestBuildGetFeatureParamsDefaultsOutputFormat(t *testing.T) {
	v := BuildGetFeatureParams(FeatureParams{TypeName: "demo:NR_polygon"})
	if got := v.Get("outputFormat"); got != "application/json" {
		t.Fatalf("expected default outputFormat, got %q", got)
	}
	if got := v.Get("startIndex"); got != "0" {
		t.Fatalf("expected startIndex 0 by default, got %q", got)
	}
}

func TestBuildHitsParams(t *testing.T) {
	v := BuildHitsParams("demo:NR_polygon", "2.0.0")
	if v.Get("resultType") != "hits" {
		t.Fatalf("expected resultType=hits, got %q", v.Get("resultType"))
	}
	if v.Get("typeNames") != "demo:NR_polygon" {
		t.Fatalf("unexpected typeNames %q", v.Get("typeNames"))
	}
}

func TestBuildHitsParams_Version110(t *testing.T) {
	v := BuildHitsParams("demo:NR_polygon", "1.1.0")
	if v.Get("typeName") != "demo:NR_polygon" {
		t.Fatalf("1.1.0 hits should use typeName, got %q", v.Get("typeName"))
	}
}

func TestBuildDescribeFeatureTypeParams(t *testing.T) {
	v := BuildDescribeFeatureTypeParams("demo:NR_polygon", "1.1.0")
	if v.Get("request") != "DescribeFeatureType" {
		t.Fatalf("unexpected request %q", v.Get("request"))
	}
	if v.Get("typeName") != "demo:NR_polygon" {
		t.Fatalf("unexpected typeName %q", v.Get("typeName"))
	}
	if v.Get("version") != "1.1.0" {
		t.Fatalf("unexpected version %q", v.Get("version"))
	}
}

func TestOWSEndpoint(t *testing.T) {
	base := "http://localhost:8080/geoserver"
	want := "http://localhost:8080/geoserver/ows"
	if got := OWSEndpoint(base); got != want {
		t.Fatalf("OWSEndpoint got %q want %q", got, want)
	}
	if _, err := url.Parse(OWSEndpoint(base)); err != nil {
		t.Fatalf("invalid URL from OWSEndpoint: %v", err)
	}
}
