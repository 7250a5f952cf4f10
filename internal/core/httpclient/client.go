// Package httpclient configures the HTTP client the loaders use to call
// remote geospatial services.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const userAgent = "geosql-mediator"

// NewOutbound creates the outbound client shared by the WFS/WCS/ArcGIS
// loaders. Feature pages and raster coverages can run to tens of
// megabytes, so the overall timeout is generous; the dial and
// response-header timeouts stay tight so a dead service fails fast
// inside a chunk worker's retry budget instead of stalling it.
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: &uaTransport{next: transport},
		Timeout:   2 * time.Minute,
	}
}

// uaTransport stamps the mediator's User-Agent on every outbound
// request; some WFS servers answer anonymous clients with an exception
// report instead of features.
type uaTransport struct {
	next http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(req)
}
