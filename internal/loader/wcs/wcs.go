// Package wcs implements the WCS/Image loader (spec component H): it
// probes a WCS 2.0.1 service, describes a single coverage, downloads it
// as GeoTIFF to a scoped temp file, and pipes raster2pgsql into psql to
// materialise it as a PostGIS raster table. Both external programs are
// opaque subprocesses (spec §6): non-zero exit or stderr mentioning
// "ERROR" is treated as a SubprocessError/LoaderFailure.
package wcs

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geosql-mediator/internal/core/observability"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader"
	"github.com/mohammed-shakir/geosql-mediator/internal/mederr"
)

const Name = "wcs"

func Factory() loader.Factory {
	return loader.Factory{
		Name:        Name,
		Description: "OGC WCS 2.0.1 coverage fetch, loaded via raster2pgsql/psql",
		New:         func(deps loader.Deps) loader.Loader { return &Loader{deps: deps} },
	}
}

type Loader struct {
	deps loader.Deps
}

func (l *Loader) Name() string { return Name }
func (l *Loader) Description() string {
	return "OGC WCS 2.0.1 coverage fetch, loaded via raster2pgsql/psql"
}

// Validate checks the URL carries a coverageId parameter and that the
// server's WCS 2.0.1 capabilities advertise both GetCoverage and
// DescribeCoverage.
func (l *Loader) Validate(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	coverageID := coverageIDOf(u)
	if coverageID == "" {
		return false
	}
	caps, err := l.fetchCapabilities(ctx, u)
	if err != nil {
		return false
	}
	return caps.supportsOperation("GetCoverage") && caps.supportsOperation("DescribeCoverage") &&
		caps.hasCoverage(coverageID)
}

func coverageIDOf(u *url.URL) string {
	for k, v := range u.Query() {
		if strings.EqualFold(k, "coverageid") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

type capabilitiesDoc struct {
	Operations []capOperation `xml:"OperationsMetadata>Operation"`
	CoverageID []string       `xml:"Contents>CoverageSummary>CoverageId"`
}

type capOperation struct {
	Name string `xml:"name,attr"`
}

func (c capabilitiesDoc) supportsOperation(name string) bool {
	for _, op := range c.Operations {
		if op.Name == name {
			return true
		}
	}
	return false
}

func (c capabilitiesDoc) hasCoverage(id string) bool {
	for _, c := range c.CoverageID {
		if c == id || stripNamespace(c) == stripNamespace(id) {
			return true
		}
	}
	return false
}

func stripNamespace(s string) string {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (l *Loader) fetchCapabilities(ctx context.Context, base *url.URL) (capabilitiesDoc, error) {
	v := url.Values{"service": {"WCS"}, "version": {"2.0.1"}, "request": {"GetCapabilities"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(base, v), nil)
	if err != nil {
		return capabilitiesDoc{}, err
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return capabilitiesDoc{}, err
	}
	defer resp.Body.Close()
	var doc capabilitiesDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return capabilitiesDoc{}, fmt.Errorf("decode capabilities: %w", err)
	}
	return doc, nil
}

type describeCoverageDoc struct {
	Envelope      wcsEnvelope `xml:"CoverageDescription>boundedBy>Envelope"`
	GridLow       string      `xml:"CoverageDescription>domainSet>Grid>limits>GridEnvelope>low"`
	GridHigh      string      `xml:"CoverageDescription>domainSet>Grid>limits>GridEnvelope>high"`
	SupportedFmts []string    `xml:"CoverageDescription>ServiceParameters>nativeFormat"`
	OtherFormats  []string    `xml:"CoverageDescription>ServiceParameters>Extension>formatSupported"`
}

// wcsEnvelope is the native-CRS bounding box of a coverage; srsName is an
// attribute, so it needs its own struct rather than a tag chain.
type wcsEnvelope struct {
	SRSName     string `xml:"srsName,attr"`
	LowerCorner string `xml:"lowerCorner"`
	UpperCorner string `xml:"upperCorner"`
}

func (d describeCoverageDoc) formats() []string {
	return append(append([]string(nil), d.SupportedFmts...), d.OtherFormats...)
}

func (d describeCoverageDoc) gridSize() (width, height int, err error) {
	lo := strings.Fields(d.GridLow)
	hi := strings.Fields(d.GridHigh)
	if len(lo) < 2 || len(hi) < 2 {
		return 0, 0, fmt.Errorf("incomplete grid limits")
	}
	w, err := strconv.Atoi(hi[0])
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(hi[1])
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func (l *Loader) describeCoverage(ctx context.Context, base *url.URL, coverageID string) (describeCoverageDoc, error) {
	v := url.Values{"service": {"WCS"}, "version": {"2.0.1"}, "request": {"DescribeCoverage"}, "coverageId": {coverageID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(base, v), nil)
	if err != nil {
		return describeCoverageDoc{}, err
	}
	resp, err := l.deps.HTTPClient.Do(req)
	if err != nil {
		return describeCoverageDoc{}, err
	}
	defer resp.Body.Close()
	var doc describeCoverageDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return describeCoverageDoc{}, fmt.Errorf("decode describecoverage: %w", err)
	}
	return doc, nil
}

// chooseGeoTIFFFormat returns the first format string mentioning "tiff",
// matching the original source's supportedFormats scan, or an error if
// none is present (spec §4.9 step 2: GeoTIFF is the only format this
// loader understands).
func chooseGeoTIFFFormat(formats []string) (string, error) {
	for _, f := range formats {
		if strings.Contains(strings.ToLower(f), "tiff") {
			return f, nil
		}
	}
	return "", fmt.Errorf("no GeoTIFF format supported by this coverage")
}

func (l *Loader) Load(ctx context.Context, rawURL, tableName, user string) {
	start := time.Now()
	err := l.load(ctx, rawURL, tableName)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if serr := l.deps.Store.SetError(ctx, rawURL, err.Error()); serr != nil {
			observability.IncSubprocessError("status_update")
		}
	} else if serr := l.deps.Store.SetSaved(ctx, rawURL); serr != nil {
		outcome = "error"
	}
	observability.ObserveLoaderDone(Name, outcome, time.Since(start))
}

func (l *Loader) load(ctx context.Context, rawURL, tableName string) (err error) {
	defer mederr.Wrap(&err, "wcs loader for %s", rawURL)

	u, perr := url.Parse(rawURL)
	if perr != nil {
		return perr
	}
	coverageID := coverageIDOf(u)
	if coverageID == "" {
		return fmt.Errorf("missing coverageid query parameter")
	}

	desc, err := l.describeCoverage(ctx, u, coverageID)
	if err != nil {
		return fmt.Errorf("describe coverage: %w", err)
	}

	format, err := chooseGeoTIFFFormat(desc.formats())
	if err != nil {
		return err
	}

	width, height, err := desc.gridSize()
	if err != nil {
		return fmt.Errorf("grid limits: %w", err)
	}

	env := desc.Envelope
	tmp, err := l.downloadCoverage(ctx, u, coverageID, format, env.SRSName, env.LowerCorner, env.UpperCorner, width, height)
	if err != nil {
		return fmt.Errorf("get coverage: %w", err)
	}
	defer os.Remove(tmp)

	return l.importViaRaster2PGSQL(ctx, tmp, env.SRSName, tableName)
}

// downloadCoverage issues GetCoverage for coverageID, bounded by the
// describeCoverage envelope and scaled to the native grid's width/height
// (spec §4.9 step 3), and streams the response into a scoped temp file
// under the configured tmp directory.
func (l *Loader) downloadCoverage(ctx context.Context, base *url.URL, coverageID, format, crs, lower, upper string, width, height int) (tmpPath string, err error) {
	v := url.Values{
		"service":       {"WCS"},
		"version":       {"2.0.1"},
		"request":       {"GetCoverage"},
		"coverageId":    {coverageID},
		"format":        {format},
		"subsettingCrs": {crs},
		"scaleSize":     {fmt.Sprintf("x(%d),y(%d)", width, height)},
	}
	if lower != "" && upper != "" {
		v.Set("subset", fmt.Sprintf("x(%s,%s)", lower, upper))
	}

	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, withQuery(base, v), nil)
	if rerr != nil {
		return "", rerr
	}
	resp, rerr := l.deps.HTTPClient.Do(req)
	if rerr != nil {
		return "", rerr
	}
	defer resp.Body.Close()

	f, rerr := os.CreateTemp(l.deps.TmpDir, "wcs-*.tif")
	if rerr != nil {
		return "", rerr
	}
	defer f.Close()

	if _, rerr := io.Copy(f, resp.Body); rerr != nil {
		os.Remove(f.Name())
		return "", rerr
	}
	return f.Name(), nil
}

// importViaRaster2PGSQL pipes `raster2pgsql -s crs -M -C -I -F -t 100x100
// tmpPath public.tableName` into `psql`, following spec §4.9 step 4. Both
// are opaque subprocesses: a non-zero exit, or "ERROR" in raster2pgsql's
// stderr or in psql's combined output, is a SubprocessError, treated as
// LoaderFailure by the caller.
func (l *Loader) importViaRaster2PGSQL(ctx context.Context, tmpPath, crs, tableName string) error {
	rasterPath := l.deps.RasterToPGSQLPath
	if rasterPath == "" {
		rasterPath = "raster2pgsql"
	}
	psqlPath := l.deps.PSQLPath
	if psqlPath == "" {
		psqlPath = "psql"
	}

	srs := strings.TrimPrefix(crs, "urn:ogc:def:crs:")
	rasterArgs := []string{"-s", srs, "-M", "-C", "-I", "-F", "-t", "100x100", tmpPath, "public." + tableName}
	rasterCmd := exec.CommandContext(ctx, rasterPath, rasterArgs...)

	psqlCmd := exec.CommandContext(ctx, psqlPath, "-q")
	if l.deps.DBConnInfo != "" {
		psqlCmd.Env = append(os.Environ(), "PGCONNECT_TIMEOUT=10", "PGOPTIONS=--client-min-messages=warning")
		psqlCmd.Args = append(psqlCmd.Args, l.deps.DBConnInfo)
	}

	pipeR, pipeW := io.Pipe()
	rasterCmd.Stdout = pipeW
	psqlCmd.Stdin = pipeR

	var rasterStderr, psqlOut bytes.Buffer
	rasterCmd.Stderr = &rasterStderr
	psqlCmd.Stdout = &psqlOut
	psqlCmd.Stderr = &psqlOut

	if err := rasterCmd.Start(); err != nil {
		return fmt.Errorf("%w: start raster2pgsql: %v", mederr.Subprocess, err)
	}
	if err := psqlCmd.Start(); err != nil {
		return fmt.Errorf("%w: start psql: %v", mederr.Subprocess, err)
	}

	rasterErr := rasterCmd.Wait()
	pipeW.Close()
	psqlErr := psqlCmd.Wait()
	pipeR.Close()

	if rasterErr != nil || strings.Contains(strings.ToUpper(rasterStderr.String()), "ERROR") {
		observability.IncSubprocessError("raster2pgsql")
		return fmt.Errorf("%w: raster2pgsql: %v: %s", mederr.Subprocess, rasterErr, rasterStderr.String())
	}
	if psqlErr != nil || strings.Contains(strings.ToUpper(psqlOut.String()), "ERROR") {
		observability.IncSubprocessError("psql")
		return fmt.Errorf("%w: psql: %v: %s", mederr.Subprocess, psqlErr, psqlOut.String())
	}
	return nil
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
