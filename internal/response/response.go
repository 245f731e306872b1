// Package response defines the single value type every path handler returns
// and the builders used to construct it.
package response

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wailsapp/mimetype"
)

// sniffLen is how much of a file is read to detect its type when the
// extension is unknown.
const sniffLen = 3072

// Response is constructed per request and never reused.
type Response struct {
	MimeType     string
	Encoding     string
	StatusCode   int
	ReasonPhrase string
	Headers      map[string]string
	// Body may be nil. Whoever consumes the response closes it.
	Body io.ReadCloser
}

// webTypes covers extensions whose system mime mapping is missing or varies
// between platforms.
var webTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".css":   "text/css",
	".json":  "application/json",
	".map":   "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".wasm":  "application/wasm",
	".txt":   "text/plain",
	".xml":   "application/xml",
}

// New returns an empty response with the given status.
func New(status int) *Response {
	return &Response{
		StatusCode:   status,
		ReasonPhrase: http.StatusText(status),
		Headers:      map[string]string{},
	}
}

// FromBytes returns a 200 response carrying data.
func FromBytes(mimeType string, data []byte) *Response {
	r := New(http.StatusOK)
	r.setType(mimeType)
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.Headers["Content-Length"] = strconv.Itoa(len(data))
	return r
}

// FromReader returns a 200 response streaming body.
func FromReader(mimeType string, body io.ReadCloser) *Response {
	r := New(http.StatusOK)
	r.setType(mimeType)
	r.Body = body
	return r
}

// FromFile opens path and returns a 200 response streaming it. The type is
// taken from the extension, falling back to content sniffing.
func FromFile(path string) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mimeType := TypeByExtension(path)
	var body io.Reader = f
	if mimeType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(f, head)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			f.Close()
			return nil, err
		}
		head = head[:n]
		mimeType = Sniff(head)
		body = io.MultiReader(bytes.NewReader(head), f)
	}
	r := FromReader(mimeType, readCloser{Reader: body, Closer: f})
	if info, err := f.Stat(); err == nil {
		r.Headers["Content-Length"] = strconv.FormatInt(info.Size(), 10)
	}
	return r, nil
}

// Text returns a plain-text response.
func Text(status int, msg string) *Response {
	r := FromBytes("text/plain", []byte(msg))
	r.StatusCode = status
	r.ReasonPhrase = http.StatusText(status)
	return r
}

// NotFound returns a 404 with a generic body.
func NotFound() *Response {
	return Text(http.StatusNotFound, "404 Not Found")
}

// Forbidden returns a 403 with a generic body.
func Forbidden() *Response {
	return Text(http.StatusForbidden, "403 Forbidden")
}

// BadRequest returns a 400 carrying msg.
func BadRequest(msg string) *Response {
	return Text(http.StatusBadRequest, "400 Bad Request\n\n"+msg)
}

// InternalError returns a 500 carrying a diagnostic body.
func InternalError(diagnostic string) *Response {
	return Text(http.StatusInternalServerError, "500 Internal Server Error\n\n"+diagnostic)
}

// TypeByExtension returns the mime type for name's extension without any
// parameters, or "" when unknown.
func TypeByExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := webTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if media, _, err := mime.ParseMediaType(t); err == nil {
			return media
		}
		return t
	}
	return ""
}

// Sniff detects a mime type from leading content.
func Sniff(head []byte) string {
	m := mimetype.Detect(head)
	if media, _, err := mime.ParseMediaType(m.String()); err == nil {
		return media
	}
	return m.String()
}

// IsText reports whether mimeType carries character data.
func IsText(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		return true
	case mimeType == "application/javascript", mimeType == "application/json",
		mimeType == "application/xml", mimeType == "image/svg+xml":
		return true
	}
	return false
}

func (r *Response) setType(mimeType string) {
	r.MimeType = mimeType
	if IsText(mimeType) {
		r.Encoding = "utf-8"
	}
}

// SetHeader sets a header and returns r.
func (r *Response) SetHeader(key, value string) *Response {
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	r.Headers[key] = value
	return r
}

// ContentType renders MimeType and Encoding as a Content-Type value.
func (r *Response) ContentType() string {
	if r.MimeType == "" {
		return ""
	}
	if r.Encoding != "" {
		return fmt.Sprintf("%s; charset=%s", r.MimeType, r.Encoding)
	}
	return r.MimeType
}

// ReadAll drains and closes the body.
func (r *Response) ReadAll() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// ReplaceBody swaps the body for data, closing the previous one.
func (r *Response) ReplaceBody(data []byte) {
	if r.Body != nil {
		r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.SetHeader("Content-Length", strconv.Itoa(len(data)))
}

// Close releases the body, if any.
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Write copies r onto an http.ResponseWriter and closes the body.
func Write(w http.ResponseWriter, r *Response) error {
	h := w.Header()
	for k, v := range r.Headers {
		h.Set(k, v)
	}
	if ct := r.ContentType(); ct != "" {
		h.Set("Content-Type", ct)
	}
	h.Set("X-Content-Type-Options", "nosniff")
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	_, err := io.Copy(w, r.Body)
	return err
}

type readCloser struct {
	io.Reader
	io.Closer
}
