package wcs

import (
	"encoding/xml"
	"net/url"
	"testing"
)

func TestCoverageIDOf(t *testing.T) {
	u, err := url.Parse("https://wcs.example.com/ows?coverageId=mydata&other=1")
	if err != nil {
		t.Fatal(err)
	}
	if got := coverageIDOf(u); got != "mydata" {
		t.Fatalf("got %q want mydata", got)
	}
}

func TestCoverageIDOf_CaseInsensitiveKey(t *testing.T) {
	u, err := url.Parse("https://wcs.example.com/ows?CoverageID=mydata")
	if err != nil {
		t.Fatal(err)
	}
	if got := coverageIDOf(u); got != "mydata" {
		t.Fatalf("got %q want mydata", got)
	}
}

func TestCoverageIDOf_Missing(t *testing.T) {
	u, _ := url.Parse("https://wcs.example.com/ows")
	if got := coverageIDOf(u); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}

func TestCapabilitiesDoc_SupportsOperation(t *testing.T) {
	doc := capabilitiesDoc{Operations: []capOperation{{Name: "GetCapabilities"}, {Name: "DescribeCoverage"}, {Name: "GetCoverage"}}}
	if !doc.supportsOperation("GetCoverage") {
		t.Fatal("expected GetCoverage to be supported")
	}
	if doc.supportsOperation("GetMap") {
		t.Fatal("expected GetMap to be unsupported")
	}
}

func TestCapabilitiesDoc_DecodesOperationsAndCoverages(t *testing.T) {
	body := `<Capabilities>
		<OperationsMetadata>
			<Operation name="GetCapabilities"/>
			<Operation name="DescribeCoverage"/>
			<Operation name="GetCoverage"/>
		</OperationsMetadata>
		<Contents>
			<CoverageSummary><CoverageId>ns:mydata</CoverageId></CoverageSummary>
		</Contents>
	</Capabilities>`
	var doc capabilitiesDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !doc.supportsOperation("GetCoverage") || !doc.supportsOperation("DescribeCoverage") {
		t.Fatalf("operations not decoded: %+v", doc.Operations)
	}
	if !doc.hasCoverage("mydata") {
		t.Fatalf("coverage ids not decoded: %v", doc.CoverageID)
	}
}

func TestDescribeCoverageDoc_DecodesEnvelopeAndGrid(t *testing.T) {
	body := `<CoverageDescriptions>
		<CoverageDescription>
			<boundedBy>
				<Envelope srsName="urn:ogc:def:crs:EPSG::4326">
					<lowerCorner>10.0 50.0</lowerCorner>
					<upperCorner>12.0 52.0</upperCorner>
				</Envelope>
			</boundedBy>
			<domainSet>
				<Grid>
					<limits><GridEnvelope><low>0 0</low><high>499 399</high></GridEnvelope></limits>
				</Grid>
			</domainSet>
			<ServiceParameters>
				<nativeFormat>image/tiff</nativeFormat>
			</ServiceParameters>
		</CoverageDescription>
	</CoverageDescriptions>`
	var doc describeCoverageDoc
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Envelope.SRSName != "urn:ogc:def:crs:EPSG::4326" {
		t.Fatalf("srsName not decoded: %q", doc.Envelope.SRSName)
	}
	if doc.Envelope.LowerCorner != "10.0 50.0" || doc.Envelope.UpperCorner != "12.0 52.0" {
		t.Fatalf("corners not decoded: %+v", doc.Envelope)
	}
	w, h, err := doc.gridSize()
	if err != nil || w != 499 || h != 399 {
		t.Fatalf("grid size (%d,%d,%v) want (499,399,nil)", w, h, err)
	}
	if got, err := chooseGeoTIFFFormat(doc.formats()); err != nil || got != "image/tiff" {
		t.Fatalf("format choice %q %v", got, err)
	}
}

func TestCapabilitiesDoc_HasCoverage_NamespaceStripped(t *testing.T) {
	doc := capabilitiesDoc{CoverageID: []string{"ns:mydata"}}
	if !doc.hasCoverage("ns:mydata") {
		t.Fatal("expected exact match")
	}
	if !doc.hasCoverage("mydata") {
		t.Fatal("expected namespace-stripped match")
	}
}

func TestChooseGeoTIFFFormat(t *testing.T) {
	got, err := chooseGeoTIFFFormat([]string{"image/png", "image/tiff", "application/x-netcdf"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "image/tiff" {
		t.Fatalf("got %q want image/tiff", got)
	}
}

func TestChooseGeoTIFFFormat_NoneSupported(t *testing.T) {
	_, err := chooseGeoTIFFFormat([]string{"image/png", "application/x-netcdf"})
	if err == nil {
		t.Fatal("expected error when no GeoTIFF format is present")
	}
}

func TestDescribeCoverageDoc_GridSize(t *testing.T) {
	d := describeCoverageDoc{GridLow: "0 0", GridHigh: "499 399"}
	w, h, err := d.gridSize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 499 || h != 399 {
		t.Fatalf("got (%d,%d) want (499,399)", w, h)
	}
}

func TestDescribeCoverageDoc_GridSize_Incomplete(t *testing.T) {
	d := describeCoverageDoc{GridLow: "0", GridHigh: "499"}
	if _, _, err := d.gridSize(); err == nil {
		t.Fatal("expected error for incomplete grid limits")
	}
}

func TestStripNamespace(t *testing.T) {
	if got := stripNamespace("ns:mydata"); got != "mydata" {
		t.Fatalf("got %q want mydata", got)
	}
}
