// Package server exposes module surfaces over HTTP.
package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/response"
	"github.com/FocuswithJustin/modhost/internal/router"
)

// Dispatcher resolves a request to a response, or nil when nothing handles it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *router.Request) *response.Response
}

type dispatchJob struct {
	ctx context.Context
	req *router.Request
}

// Adapter translates net/http requests into router requests and dispatches
// them on a worker pool, off the connection goroutine.
type Adapter struct {
	dispatcher Dispatcher
	pool       *Pool[dispatchJob, *response.Response]
	// TrustForwardedProto takes the scheme from X-Forwarded-Proto when the
	// connection itself is plain HTTP.
	TrustForwardedProto bool
}

// NewAdapter creates an adapter with the given number of workers.
func NewAdapter(d Dispatcher, workers int) *Adapter {
	return &Adapter{
		dispatcher: d,
		pool: NewPool(workers, workers*4, func(j dispatchJob) *response.Response {
			return d.Dispatch(j.ctx, j.req)
		}, func(r *response.Response) {
			if r != nil {
				r.Close()
			}
		}),
	}
}

// Close stops the dispatch workers.
func (a *Adapter) Close() {
	a.pool.Close()
}

// ServeHTTP implements http.Handler.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := a.Translate(r)
	resp, err := a.pool.Do(r.Context(), dispatchJob{ctx: r.Context(), req: req})
	if err != nil {
		logging.WarnContext(r.Context(), "dispatch abandoned", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if resp == nil {
		http.NotFound(w, r)
		return
	}
	if err := response.Write(w, resp); err != nil {
		logging.DebugContext(r.Context(), "response write failed", "path", r.URL.Path, "error", err)
	}
}

// Translate builds the router request for r. The authority is the Host
// header; the scheme is https for TLS connections.
func (a *Adapter) Translate(r *http.Request) *router.Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if a.TrustForwardedProto {
		if p := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); p == "https" || p == "http" {
			scheme = p
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	dest := r.Header.Get("Sec-Fetch-Dest")
	return &router.Request{
		Method:  r.Method,
		Headers: headers,
		URL: &url.URL{
			Scheme:   scheme,
			Host:     r.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		},
		HasUserGesture: r.Header.Get("Sec-Fetch-User") == "?1",
		IsMainFrame:    dest == "" || dest == "document",
	}
}
