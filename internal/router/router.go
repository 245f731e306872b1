// Package router dispatches resource requests to the first matching path
// handler.
package router

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/response"
)

// Request describes one resource fetch. It is not modified after creation.
type Request struct {
	Method         string
	Headers        map[string]string
	URL            *url.URL
	HasUserGesture bool
	IsMainFrame    bool
	IsRedirect     bool
}

// NewRequest parses rawURL into a main-frame request.
func NewRequest(method, rawURL string, headers map[string]string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.NewValidation("url", err.Error())
	}
	if headers == nil {
		headers = map[string]string{}
	}
	return &Request{Method: method, Headers: headers, URL: u, IsMainFrame: true}, nil
}

// Path returns the request's escaped path.
func (r *Request) Path() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.EscapedPath()
}

// Header returns a header value, matching the name case-insensitively.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Handler serves a request given the decoded path suffix after the matcher's
// prefix. Returning a nil response lets the next matcher try.
type Handler interface {
	Handle(ctx context.Context, req *Request, suffix string) (*response.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request, suffix string) (*response.Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request, suffix string) (*response.Response, error) {
	return f(ctx, req, suffix)
}

// PathMatcher binds a handler to an authority and path prefix.
type PathMatcher struct {
	Authority   string
	PathPrefix  string
	HTTPAllowed bool
	Handler     Handler
}

// Validate checks the matcher invariants.
func (m PathMatcher) Validate() error {
	if m.Authority == "" {
		return apperrors.NewValidation("authority", "is required")
	}
	if m.PathPrefix == "" || !strings.HasPrefix(m.PathPrefix, "/") || !strings.HasSuffix(m.PathPrefix, "/") {
		return apperrors.NewValidation("pathPrefix", fmt.Sprintf("%q must start and end with /", m.PathPrefix))
	}
	if m.Handler == nil {
		return apperrors.NewValidation("handler", "is required")
	}
	return nil
}

func (m PathMatcher) matches(req *Request) bool {
	if req.URL == nil {
		return false
	}
	switch req.URL.Scheme {
	case "https":
	case "http":
		if !m.HTTPAllowed {
			return false
		}
	default:
		return false
	}
	if req.URL.Host != m.Authority {
		return false
	}
	return strings.HasPrefix(req.Path(), m.PathPrefix)
}

// Router holds matchers in registration order.
type Router struct {
	mu       sync.RWMutex
	matchers []PathMatcher
}

// New creates an empty router.
func New() *Router {
	return &Router{}
}

// Register appends m after validating it.
func (r *Router) Register(m PathMatcher) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.matchers = append(r.matchers, m)
	r.mu.Unlock()
	return nil
}

// Matchers returns a copy of the registered matchers.
func (r *Router) Matchers() []PathMatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PathMatcher, len(r.matchers))
	copy(out, r.matchers)
	return out
}

// Dispatch returns the first non-nil response produced by a matching handler,
// or nil when nothing handled the request. Handler errors and panics become
// 500 responses.
func (r *Router) Dispatch(ctx context.Context, req *Request) *response.Response {
	r.mu.RLock()
	matchers := r.matchers
	r.mu.RUnlock()

	for _, m := range matchers {
		if !m.matches(req) {
			continue
		}
		escaped := strings.TrimPrefix(req.Path(), m.PathPrefix)
		suffix, err := url.PathUnescape(escaped)
		if err != nil {
			logging.WarnContext(ctx, "undecodable request path", "path", req.Path(), "error", err)
			return response.BadRequest("malformed path encoding")
		}
		if resp := invoke(ctx, m.Handler, req, suffix); resp != nil {
			return resp
		}
	}
	return nil
}

// invoke isolates handler failures from the dispatch loop.
func invoke(ctx context.Context, h Handler, req *Request, suffix string) (resp *response.Response) {
	defer func() {
		if v := recover(); v != nil {
			logging.ErrorContext(ctx, "handler panic", "path", req.Path(), "panic", fmt.Sprint(v))
			resp = response.InternalError(fmt.Sprintf("handler panicked: %v", v))
		}
	}()

	resp, err := h.Handle(ctx, req, suffix)
	if err != nil {
		if resp != nil {
			resp.Close()
		}
		logging.ErrorContext(ctx, "handler error", "path", req.Path(), "error", err)
		return response.InternalError(err.Error())
	}
	return resp
}
