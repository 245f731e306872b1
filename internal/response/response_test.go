package response

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuilders(t *testing.T) {
	tests := []struct {
		name       string
		resp       *Response
		wantStatus int
		wantReason string
		wantBody   string
	}{
		{"not found", NotFound(), 404, "Not Found", "404 Not Found"},
		{"forbidden", Forbidden(), 403, "Forbidden", "403 Forbidden"},
		{"bad request", BadRequest("bad escape"), 400, "Bad Request", "400 Bad Request\n\nbad escape"},
		{"internal", InternalError("handler panicked: boom"), 500, "Internal Server Error", "500 Internal Server Error\n\nhandler panicked: boom"},
		{"bytes", FromBytes("application/json", []byte(`{}`)), 200, "OK", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.resp.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", tt.resp.StatusCode, tt.wantStatus)
			}
			if tt.resp.ReasonPhrase != tt.wantReason {
				t.Errorf("ReasonPhrase = %q, want %q", tt.resp.ReasonPhrase, tt.wantReason)
			}
			body, err := tt.resp.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if tt.resp.Encoding != "utf-8" {
				t.Errorf("Encoding = %q, want utf-8", tt.resp.Encoding)
			}
		})
	}
}

func TestTypeByExtension(t *testing.T) {
	tests := map[string]string{
		"index.html":   "text/html",
		"INDEX.HTM":    "text/html",
		"app.js":       "application/javascript",
		"style.css":    "text/css",
		"logo.svg":     "image/svg+xml",
		"font.woff2":   "font/woff2",
		"noextension":  "",
		"weird.qqqzzz": "",
	}
	for name, want := range tests {
		if got := TypeByExtension(name); got != want {
			t.Errorf("TypeByExtension(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	htmlPath := filepath.Join(dir, "index.html")
	if err := os.WriteFile(htmlPath, []byte("<html><body>hi</body></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	pngPath := filepath.Join(dir, "blob")
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("by extension", func(t *testing.T) {
		r, err := FromFile(htmlPath)
		if err != nil {
			t.Fatal(err)
		}
		if r.MimeType != "text/html" || r.Encoding != "utf-8" {
			t.Errorf("type = %q/%q", r.MimeType, r.Encoding)
		}
		body, _ := r.ReadAll()
		if string(body) != "<html><body>hi</body></html>" {
			t.Errorf("body = %q", body)
		}
		if r.Headers["Content-Length"] != "28" {
			t.Errorf("Content-Length = %q", r.Headers["Content-Length"])
		}
	})

	t.Run("sniffed", func(t *testing.T) {
		r, err := FromFile(pngPath)
		if err != nil {
			t.Fatal(err)
		}
		if r.MimeType != "image/png" {
			t.Errorf("MimeType = %q, want image/png", r.MimeType)
		}
		if r.Encoding != "" {
			t.Errorf("binary types carry no encoding, got %q", r.Encoding)
		}
		body, _ := r.ReadAll()
		if len(body) != len(png) {
			t.Errorf("sniffing must not consume the body: got %d bytes", len(body))
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := FromFile(filepath.Join(dir, "nope.html")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestWrite(t *testing.T) {
	r := FromBytes("text/css", []byte("body{}"))
	r.SetHeader("ETag", `"6-1"`)
	w := httptest.NewRecorder()
	if err := Write(w, r); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/css; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if w.Header().Get("ETag") != `"6-1"` {
		t.Errorf("ETag = %q", w.Header().Get("ETag"))
	}
	if w.Body.String() != "body{}" {
		t.Errorf("body = %q", w.Body.String())
	}

	empty := New(http.StatusNoContent)
	w = httptest.NewRecorder()
	if err := Write(w, empty); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("empty response wrote %d %q", w.Code, w.Body.String())
	}
}

func TestReplaceBody(t *testing.T) {
	r := FromBytes("text/html", []byte("old"))
	r.ReplaceBody([]byte("newer"))
	body, _ := r.ReadAll()
	if string(body) != "newer" || r.Headers["Content-Length"] != "5" {
		t.Errorf("ReplaceBody produced %q (len %q)", body, r.Headers["Content-Length"])
	}
	if !strings.HasPrefix(r.ContentType(), "text/html") {
		t.Errorf("ContentType = %q", r.ContentType())
	}
}
