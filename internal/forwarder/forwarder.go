// Package forwarder transparently forwards northbound requests to the
// configured Ollama-compatible backend (design doc Section 6.2).
package forwarder

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// hopByHopHeaders are HTTP headers that must not be forwarded through
// a proxy. These are connection-specific and only relevant for the
// single hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Forward sends the request to the backend under the same path and
// method (design doc Section 6.2) and returns the raw response. The
// caller is responsible for reading and closing the response body.
func Forward(client *http.Client, backendURL string, r *http.Request, body []byte) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, backendURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}

	CopyHeaders(upstreamReq.Header, r.Header)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to backend %s: %w", backendURL, err)
	}
	return resp, nil
}

// CopyHeaders copies HTTP headers from src to dst, skipping hop-by-hop
// headers and Host (set by the HTTP client from the backend URL).
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// CopyResponseHeaders copies response headers from the backend
// response to the client response writer, skipping hop-by-hop headers.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
