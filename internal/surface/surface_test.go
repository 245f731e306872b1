package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/plugins"
	"github.com/FocuswithJustin/modhost/internal/bridge"
	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
	"github.com/FocuswithJustin/modhost/internal/router"
)

const authority = "demo.modhost.local"

const baseConfig = `{
	"title": "Demo",
	"plugins": [
		{"type": "bytecodeUnit", "path": "plugins/toast.js", "className": "Toast", "cache": true},
		{"type": "bytecodeUnit", "path": "plugins/toast.js", "className": "Missing"}
	]
}`

const toastJS = `class Toast { invoke(method, args) { return "toast:" + method; } }`

type env struct {
	deps    Deps
	modules string
	system  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		modules: filepath.Join(root, "modules"),
		system:  filepath.Join(root, "system"),
	}
	files := map[string]string{
		filepath.Join(e.modules, "demo", "webroot", "index.html"):  `<html><head><title>Demo</title></head><body><main>app</main></body></html>`,
		filepath.Join(e.modules, "demo", "webroot", "app.js"):      `console.log("app")`,
		filepath.Join(e.modules, "demo", "webroot", "config.json"): baseConfig,
		filepath.Join(e.modules, "demo", "plugins", "toast.js"):    toastJS,
		filepath.Join(e.system, "etc", "hosts"):                     "127.0.0.1 localhost\n",
	}
	for p, content := range files {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	loader := plugins.NewLoader(plugins.Options{ModulesDir: e.modules, NativeDir: filepath.Join(root, "native")})
	t.Cleanup(func() { _ = loader.Teardown() })
	e.deps = Deps{
		Store:      modconfig.New(modconfig.Options{ModulesDir: e.modules, ConfigDir: filepath.Join(root, "config")}),
		Loader:     loader,
		Authority:  authority,
		ModulesDir: e.modules,
		SystemRoot: e.system,
		Policy:     inject.HeaderPolicy{CSP: "default-src 'self' https://{domain}", Caching: true},
	}
	return e
}

func get(t *testing.T, s *Surface, rawURL string) (int, string, map[string]string) {
	t.Helper()
	req, err := router.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp := s.Dispatch(context.Background(), req)
	if resp == nil {
		return 0, "", nil
	}
	body, err := resp.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body), resp.Headers
}

func TestEndToEndWebroot(t *testing.T) {
	e := newEnv(t)
	s, err := Open(context.Background(), e.deps, "demo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	status, body, headers := get(t, s, "https://"+authority+"/index.html")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(body, "<script data-internal") {
		t.Errorf("injected script missing: %s", body)
	}
	if !strings.Contains(body, `<link rel="stylesheet" href="/internal/insets.css">`) {
		t.Errorf("insets stylesheet missing: %s", body)
	}
	if headers["Content-Security-Policy"] != "default-src 'self' https://"+authority {
		t.Errorf("CSP = %q", headers["Content-Security-Policy"])
	}

	_, again, _ := get(t, s, "https://"+authority+"/index.html")
	if again != body {
		t.Error("second request should be byte-identical")
	}
	if strings.Count(again, `src="/internal/bridge.js"`) != 1 {
		t.Error("fragments must not be duplicated across requests")
	}

	if status, _, _ := get(t, s, "https://"+authority+"/../config.json"); status != http.StatusForbidden && status != http.StatusNotFound {
		t.Errorf("escape status = %d", status)
	}
	if status, _, _ := get(t, s, "https://"+authority+"/missing.html"); status != http.StatusNotFound {
		t.Errorf("missing status = %d", status)
	}
	if status, _, _ := get(t, s, "http://"+authority+"/index.html"); status != 0 {
		t.Errorf("plain http should not match, got %d", status)
	}
	if status, _, _ := get(t, s, "https://other.local/index.html"); status != 0 {
		t.Errorf("foreign authority should not match, got %d", status)
	}
}

func TestMountOrder(t *testing.T) {
	e := newEnv(t)
	s, err := Open(context.Background(), e.deps, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	prefixes := []string{}
	for _, m := range s.Router().Matchers() {
		prefixes = append(prefixes, m.PathPrefix)
	}
	if strings.Join(prefixes, " ") != "/internal/ /.sys/ /" {
		t.Errorf("matchers = %v", prefixes)
	}

	status, body, _ := get(t, s, "https://"+authority+"/internal/bridge.js")
	if status != http.StatusOK || !strings.Contains(body, "window.modhost") {
		t.Errorf("bridge.js = %d", status)
	}
	status, body, _ = get(t, s, "https://"+authority+"/.sys/etc/hosts")
	if status != http.StatusOK || body != "127.0.0.1 localhost\n" {
		t.Errorf("/.sys/etc/hosts = %d %q", status, body)
	}
	status, _, _ = get(t, s, "https://"+authority+"/.sys/../modules/demo/webroot/index.html")
	if status == http.StatusOK {
		t.Error("system mount must not escape its root")
	}
}

func TestSystemMountDisabled(t *testing.T) {
	e := newEnv(t)
	e.deps.SystemRoot = ""
	s, err := Open(context.Background(), e.deps, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if n := len(s.Router().Matchers()); n != 2 {
		t.Errorf("matchers = %d, want 2", n)
	}
	if status, _, _ := get(t, s, "https://"+authority+"/.sys/etc/hosts"); status != http.StatusNotFound {
		t.Errorf("status = %d, want webroot 404", status)
	}
}

func TestPluginsAttached(t *testing.T) {
	e := newEnv(t)
	b := bridge.New()
	e.deps.Bridge = b
	s, err := Open(context.Background(), e.deps, "demo")
	if err != nil {
		t.Fatal(err)
	}

	if got := b.Names(); len(got) != 1 || got[0] != "Toast" {
		t.Fatalf("bridge names = %v; the failing descriptor must be skipped", got)
	}
	out, err := b.Invoke("Toast", "show", nil)
	if err != nil || out != "toast:show" {
		t.Errorf("Invoke = %v, %v", out, err)
	}
	if len(s.Plugins()) != 1 {
		t.Errorf("Plugins() = %d", len(s.Plugins()))
	}

	_, body, _ := get(t, s, "https://"+authority+"/internal/plugins.json")
	var names []string
	if err := json.Unmarshal([]byte(body), &names); err != nil || len(names) != 1 {
		t.Errorf("plugins.json = %s", body)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(b.Names()) != 0 {
		t.Error("Close should detach plugins")
	}
	if err := s.Close(); err != nil {
		t.Error("Close should be idempotent")
	}
}

func TestConfigObserved(t *testing.T) {
	e := newEnv(t)
	var (
		mu   sync.Mutex
		seen []uint64
	)
	e.deps.OnConfig = func(snap modconfig.Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Version)
		mu.Unlock()
	}
	s, err := Open(context.Background(), e.deps, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if s.Version() != 1 {
		t.Errorf("initial version = %d", s.Version())
	}

	if _, err := e.deps.Store.Save(context.Background(), "demo", map[string]any{"title": "Renamed"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Version() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Version() != 2 {
		t.Fatalf("version = %d, want 2", s.Version())
	}

	_, body, _ := get(t, s, "https://"+authority+"/index.html")
	if !strings.Contains(body, `"title":"Renamed"`) {
		t.Errorf("injection should read the latest config: %s", body)
	}

	s.Close()
	if n := e.deps.Store.Subscribers("demo"); n != 0 {
		t.Errorf("Subscribers after Close = %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 2 {
		t.Errorf("OnConfig saw %v", seen)
	}
}

func TestOpenInvalidModule(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"", "..", "a/b"} {
		_, err := Open(context.Background(), e.deps, id)
		if err == nil {
			t.Errorf("Open(%q) should fail", id)
			continue
		}
		if !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("Open(%q) error %v should unwrap to ErrInvalidInput", id, err)
		}
		if !strings.HasPrefix(err.Error(), "open surface: ") {
			t.Errorf("Open(%q) error = %q", id, err)
		}
	}
}
