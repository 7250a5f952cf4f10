// Package arcgis implements the Feature Service loader:
// it partitions a layer's object IDs into contiguous ranges no larger
// than the server's maxRecordCount, and fetches/appends each range
// concurrently into a PostGIS table.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mohammed-shakir/geosql-mediator/internal/core/observability"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader"
	"github.com/mohammed-shakir/geosql-mediator/internal/mederr"
)

const Name = "arcgis_feature"

func Factory() loader.Factory {
	return loader.Factory{
		Name:        Name,
		Description: "ArcGIS Feature Service, paginated by object ID range",
		New:         func(deps loader.Deps) loader.Loader { return &Loader{deps: deps} },
	}
}

type Loader struct {
	deps loader.Deps
}

func (l *Loader) Name() string        { return Name }
func (l *Loader) Description() string { return "ArcGIS Feature Service, paginated by object ID range" }

// Validate reports whether rawURL looks like an ArcGIS Feature Service
// layer endpoint.
func (l *Loader) Validate(ctx context.Context, rawURL string) bool {
	if !strings.Contains(rawURL, "/FeatureServer/") {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(u, url.Values{"f": {"json"}}), nil)
	if err != nil {
		return false
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type layerMeta struct {
	MaxRecordCount int    `json:"maxRecordCount"`
	ObjectIDField  string `json:"objectIdField"`
	GeometryType   string `json:"geometryType"`
	SpatialRefWKID int    `json:"wkid"`
	SupportsPaging bool   `json:"supportsPagination"`
}

func (l *Loader) Load(ctx context.Context, rawURL, tableName, user string) {
	start := time.Now()
	err := l.load(ctx, rawURL, tableName)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		msg := err.Error()
		if serr := l.deps.Store.SetError(ctx, rawURL, msg); serr != nil {
			observability.IncSubprocessError("status_update")
		}
	} else if serr := l.deps.Store.SetSaved(ctx, rawURL); serr != nil {
		outcome = "error"
	}
	observability.ObserveLoaderDone(Name, outcome, time.Since(start))
}

func (l *Loader) load(ctx context.Context, rawURL, tableName string) (err error) {
	defer mederr.Wrap(&err, "arcgis loader for %s", rawURL)

	u, perr := url.Parse(rawURL)
	if perr != nil {
		return perr
	}

	meta, err := l.fetchLayerMeta(ctx, u)
	if err != nil {
		return err
	}
	if meta.MaxRecordCount <= 0 {
		meta.MaxRecordCount = 1000
	}

	ids, err := l.fetchObjectIDs(ctx, u)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return l.createTable(ctx, tableName)
	}
	sort.Ints(ids)
	ranges := partitionContiguous(ids, meta.MaxRecordCount)

	if err := l.createTable(ctx, tableName); err != nil {
		return err
	}

	return loader.RunChunkPool(ctx, len(ranges), l.deps.MaxConcurrency, func(ctx context.Context, i int) error {
		r := ranges[i]
		return loader.RunWithRetries(ctx, l.deps.RetriesOnError, 500*time.Millisecond, func(attempt int) error {
			observability.ObserveLoaderChunk(Name, "attempt")
			if attempt > 1 {
				observability.IncLoaderRetry(Name)
			}
			err := l.fetchAndAppendRange(ctx, u, tableName, meta, r)
			if err != nil {
				observability.ObserveLoaderChunk(Name, "error")
			} else {
				observability.ObserveLoaderChunk(Name, "ok")
			}
			return err
		})
	})
}

type idRange struct{ from, to int }

// partitionContiguous splits sorted ids into runs no longer than maxSize.
func partitionContiguous(ids []int, maxSize int) []idRange {
	var ranges []idRange
	for i := 0; i < len(ids); i += maxSize {
		end := i + maxSize
		if end > len(ids) {
			end = len(ids)
		}
		ranges = append(ranges, idRange{from: ids[i], to: ids[end-1]})
	}
	return ranges
}

func (l *Loader) fetchLayerMeta(ctx context.Context, base *url.URL) (layerMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(base, url.Values{"f": {"json"}}), nil)
	if err != nil {
		return layerMeta{}, err
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return layerMeta{}, err
	}
	defer resp.Body.Close()
	var m layerMeta
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return layerMeta{}, fmt.Errorf("decode layer metadata: %w", err)
	}
	if m.ObjectIDField == "" {
		m.ObjectIDField = "OBJECTID"
	}
	return m, nil
}

func (l *Loader) fetchObjectIDs(ctx context.Context, base *url.URL) ([]int, error) {
	q := url.Values{
		"where":         {"1=1"},
		"returnIdsOnly": {"true"},
		"f":             {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(queryEndpoint(base), q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		ObjectIDs []int `json:"objectIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode object ids: %w", err)
	}
	return body.ObjectIDs, nil
}

func (l *Loader) fetchAndAppendRange(ctx context.Context, base *url.URL, tableName string, meta layerMeta, r idRange) error {
	q := url.Values{
		"where":          {fmt.Sprintf("%s BETWEEN %d AND %d", meta.ObjectIDField, r.from, r.to)},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
		"f":              {"geojson"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(queryEndpoint(base), q), nil)
	if err != nil {
		return err
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var fc struct {
		Features []geoJSONFeature `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return fmt.Errorf("decode geojson range [%d,%d]: %w", r.from, r.to, err)
	}

	return l.appendFeatures(ctx, tableName, fc.Features)
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

func (l *Loader) appendFeatures(ctx context.Context, tableName string, features []geoJSONFeature) error {
	if len(features) == 0 {
		return nil
	}
	db := l.deps.Store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(tableName, "properties", "geom"))
	if err != nil {
		return err
	}
	for _, f := range features {
		props, err := json.Marshal(coerceNumericIntegers(f.Properties))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, string(props), string(f.Geometry)); err != nil {
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

// coerceNumericIntegers converts float64 JSON values that have no
// fractional part back to integers, undoing encoding/json's float64
// decoding of ArcGIS's untyped numeric fields.
func coerceNumericIntegers(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			out[k] = int64(f)
		} else {
			out[k] = v
		}
	}
	return out
}

func (l *Loader) createTable(ctx context.Context, tableName string) error {
	ddl := fmt.Sprintf(`
		DROP TABLE IF EXISTS public.%[1]q;
		CREATE TABLE public.%[1]q (
			id SERIAL PRIMARY KEY,
			properties JSONB NOT NULL,
			geom geometry
		);
		CREATE INDEX ON public.%[1]q USING GIST (geom);
	`, tableName)
	_, err := l.deps.Store.DB().ExecContext(ctx, ddl)
	return err
}

func withQuery(u *url.URL, extra url.Values) string {
	cp := *u
	q := cp.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	cp.RawQuery = q.Encode()
	return cp.String()
}

// queryEndpoint returns base's /query sub-resource, the ArcGIS REST
// convention for executing a feature query against a layer.
func queryEndpoint(base *url.URL) *url.URL {
	cp := *base
	cp.Path = strings.TrimRight(cp.Path, "/") + "/query"
	return &cp
}
