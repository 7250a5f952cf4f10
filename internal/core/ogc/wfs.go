// Package ogc builds the WFS request parameters the loader in
// internal/loader/wfs sends to remote OGC services. The WCS loader builds
// its own request parameters.
// It holds no HTTP client of its own -- callers own transport, retries and
// context cancellation (internal/core/httpclient).
package ogc

import (
	"net/url"
	"strconv"
	"strings"
)

// OWSEndpoint normalises a service base URL to its OWS entry point.
func OWSEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/ows"
}

// FeatureParams describes one page of a WFS GetFeature request against a
// single typeName. Loaders page through a collection startIndex by
// startIndex, each page becoming one chunk.
type FeatureParams struct {
	Version      string // "1.1.0" or "2.0.0"; parameter names differ between the two
	TypeName     string
	StartIndex   int
	Count        int
	SortBy       string
	OutputFormat string
}

// BuildGetFeatureParams renders the query parameters for one WFS
// GetFeature page. WFS 2.0.0 renamed typeName to typeNames and
// maxFeatures to count; startIndex is spelled the same in both (a vendor
// extension in 1.1.0, standard in 2.0.0).
func BuildGetFeatureParams(p FeatureParams) url.Values {
	version := p.Version
	if version == "" {
		version = "2.0.0"
	}
	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", version)
	v.Set("request", "GetFeature")
	v.Set("startIndex", strconv.Itoa(p.StartIndex))
	if version == "1.1.0" {
		v.Set("typeName", p.TypeName)
		if p.Count > 0 {
			v.Set("maxFeatures", strconv.Itoa(p.Count))
		}
	} else {
		v.Set("typeNames", p.TypeName)
		if p.Count > 0 {
			v.Set("count", strconv.Itoa(p.Count))
		}
	}
	if p.SortBy != "" {
		v.Set("sortBy", p.SortBy)
	}
	format := p.OutputFormat
	if strings.TrimSpace(format) == "" {
		format = "application/json"
	}
	v.Set("outputFormat", format)
	return v
}

// BuildHitsParams renders a resultType=hits GetFeature request, used by the
// loader to learn the total feature count before dispatching chunks.
func BuildHitsParams(typeName, version string) url.Values {
	if version == "" {
		version = "2.0.0"
	}
	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", version)
	v.Set("request", "GetFeature")
	if version == "1.1.0" {
		v.Set("typeName", typeName)
	} else {
		v.Set("typeNames", typeName)
	}
	v.Set("resultType", "hits")
	return v
}

// BuildDescribeFeatureTypeParams renders a DescribeFeatureType request,
// used to confirm a typeName exists and to recover its property schema
// before the first chunk is fetched.
func BuildDescribeFeatureTypeParams(typeName, version string) url.Values {
	if version == "" {
		version = "2.0.0"
	}
	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", version)
	v.Set("request", "DescribeFeatureType")
	v.Set("typeName", typeName)
	return v
}
