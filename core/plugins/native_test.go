package plugins

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ulikunitz/xz"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

func TestLibraryName(t *testing.T) {
	tests := map[string]string{
		"libfoo.so":           "foo",
		"lib/arm64/libfoo.so": "foo",
		"libfoo.so.1":         "foo",
		"libfoo.so.xz":        "foo",
		"bar.so":              "bar",
		"libjingle_peer.so":   "jingle_peer",
	}
	for in, want := range tests {
		if got := LibraryName(in); got != want {
			t.Errorf("LibraryName(%q) = %q, want %q", in, got, want)
		}
	}
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCopyNative(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "native")
	plain := []byte("plain shared object")
	packed := bytes.Repeat([]byte("compressed shared object "), 64)
	writeFile(t, filepath.Join(src, "lib", "libfoo.so"), plain)
	writeFile(t, filepath.Join(src, "lib", "libbar.so.xz"), compress(t, packed))

	libs, err := copyNative(src, dest, []string{"lib/libfoo.so", "lib/libbar.so"})
	if err != nil {
		t.Fatalf("copyNative: %v", err)
	}
	if len(libs) != 2 || libs[0].Name != "foo" || libs[1].Name != "bar" {
		t.Fatalf("libs = %+v", libs)
	}

	for _, tc := range []struct {
		lib  NativeLibrary
		want []byte
	}{{libs[0], plain}, {libs[1], packed}} {
		got, err := os.ReadFile(tc.lib.Path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", tc.lib.Path, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%s content mismatch", tc.lib.Name)
		}
		info, err := os.Stat(tc.lib.Path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Errorf("%s mode = %v, want 0755", tc.lib.Name, info.Mode().Perm())
		}
		if tc.lib.Skipped {
			t.Errorf("%s first copy should not be skipped", tc.lib.Name)
		}
	}
	if filepath.Base(libs[1].Path) != "libbar.so" {
		t.Errorf("compressed object should be installed without .xz: %s", libs[1].Path)
	}

	again, err := copyNative(src, dest, []string{"lib/libfoo.so", "lib/libbar.so"})
	if err != nil {
		t.Fatal(err)
	}
	for _, lib := range again {
		if !lib.Skipped {
			t.Errorf("%s unchanged content should be skipped", lib.Name)
		}
	}

	writeFile(t, filepath.Join(src, "lib", "libfoo.so"), []byte("updated"))
	updated, err := copyNative(src, dest, []string{"lib/libfoo.so"})
	if err != nil {
		t.Fatal(err)
	}
	if updated[0].Skipped {
		t.Error("changed content must be recopied")
	}
	if got, _ := os.ReadFile(updated[0].Path); string(got) != "updated" {
		t.Errorf("content = %q", got)
	}
}

func TestCopyNativeFailures(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "libbad.so.xz"), []byte("not xz"))

	tests := []struct {
		name   string
		object string
		target error
	}{
		{name: "missing object", object: "libnone.so", target: apperrors.ErrNotFound},
		{name: "escaping object", object: "../../libc.so", target: apperrors.ErrContainment},
		{name: "corrupt archive", object: "libbad.so"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := copyNative(src, dest, []string{tt.object})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
		})
	}
}

// binderCap records native bindings.
type binderCap struct {
	mu    sync.Mutex
	bound map[string]string
}

func (b *binderCap) Name() string { return "Binder" }

func (b *binderCap) Invoke(string, []any) (any, error) { return nil, nil }

func (b *binderCap) BindNative(libName, libPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound == nil {
		b.bound = make(map[string]string)
	}
	b.bound[libName] = libPath
	return nil
}

func TestLoadBindsNativeLibraries(t *testing.T) {
	l, dir := writeModule(t, nil)
	writeFile(t, filepath.Join(dir, "jni", "libfoo.so"), []byte("foo"))

	binder := &binderCap{}
	l.Builtins().Register("Binder", func() Capability { return binder })

	desc := Descriptor{
		Type:              SourceInstalled,
		Path:              "builtin",
		ClassName:         "Binder",
		CopySharedObjects: true,
		SharedObjects:     []string{"jni/libfoo.so"},
	}
	inst, err := l.TryLoad(context.Background(), desc, moduleID)
	if err != nil {
		t.Fatalf("TryLoad: %v", err)
	}
	if !inst.NativeRegistered {
		t.Error("NativeRegistered should be set")
	}
	if len(inst.NativeLibraries) != 1 || inst.NativeLibraries[0] != "foo" {
		t.Errorf("NativeLibraries = %v", inst.NativeLibraries)
	}
	path, ok := binder.bound["foo"]
	if !ok {
		t.Fatal("BindNative was not called with the derived name")
	}
	if got, _ := os.ReadFile(path); string(got) != "foo" {
		t.Errorf("bound copy content = %q", got)
	}

	desc.SharedObjects = []string{"jni/libmissing.so"}
	if _, err := l.TryLoad(context.Background(), desc, moduleID); err == nil {
		t.Error("missing shared object should reject the load")
	}
}

func TestLoadBytecodeBindNative(t *testing.T) {
	l, dir := writeModule(t, map[string]string{
		"native.js": `
			class NativeUser {
				constructor() { this.libs = []; }
				bindNative(name, path) { this.libs.push(name); }
				invoke(method) { return this.libs.join(","); }
			}
		`,
		"plain.js": `class Plain { invoke() { return "plain"; } }`,
	})
	writeFile(t, filepath.Join(dir, "libs", "libcodec.so"), []byte("codec"))

	desc := bytecode("native.js", "NativeUser")
	desc.CopySharedObjects = true
	desc.SharedObjects = []string{"libs/libcodec.so"}
	inst, err := l.TryLoad(context.Background(), desc, moduleID)
	if err != nil {
		t.Fatalf("TryLoad: %v", err)
	}
	got, err := inst.Capability.Invoke("libs", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "codec" || !inst.NativeRegistered {
		t.Errorf("bound libs = %v, registered = %v", got, inst.NativeRegistered)
	}

	plain := bytecode("plain.js", "Plain")
	plain.CopySharedObjects = true
	plain.SharedObjects = []string{"libs/libcodec.so"}
	inst, err = l.TryLoad(context.Background(), plain, moduleID)
	if err != nil {
		t.Fatalf("units without bindNative still load: %v", err)
	}
	if inst.NativeRegistered {
		t.Error("NativeRegistered should stay false without bindNative")
	}
	if len(inst.NativeLibraries) != 1 {
		t.Errorf("NativeLibraries = %v", inst.NativeLibraries)
	}
}
