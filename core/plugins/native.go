package plugins

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/logging"
)

const compressedExt = ".xz"

// NativeLibrary is a shared object copied into the private native directory.
type NativeLibrary struct {
	Name    string // derived library name, "foo" for libfoo.so
	Path    string // private copy
	Skipped bool   // destination already held identical content
}

// LibraryName derives the binding name of a shared object file:
// libfoo.so, libfoo.so.1 and libfoo.so.xz all become "foo".
func LibraryName(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), compressedExt)
	if i := strings.Index(name, ".so"); i > 0 {
		name = name[:i]
	}
	return strings.TrimPrefix(name, "lib")
}

// copyNative copies each named shared object found under srcRoot into
// destDir. An object missing in plain form is looked up as <name>.xz and
// decompressed on the way.
func copyNative(srcRoot, destDir string, names []string) ([]NativeLibrary, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, apperrors.NewIO("create native dir", "", err)
	}
	libs := make([]NativeLibrary, 0, len(names))
	for _, name := range names {
		lib, err := copyOne(srcRoot, destDir, name)
		if err != nil {
			return libs, err
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

func copyOne(srcRoot, destDir, name string) (NativeLibrary, error) {
	src, compressed, err := locateNative(srcRoot, name)
	if err != nil {
		return NativeLibrary{}, err
	}
	base := filepath.Base(src.Path)
	if compressed {
		base = strings.TrimSuffix(base, compressedExt)
	}
	dest := filepath.Join(destDir, base)
	lib := NativeLibrary{Name: LibraryName(base), Path: dest}

	f, err := os.Open(src.Path)
	if err != nil {
		return lib, apperrors.NewIO("open", name, err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		xr, err := xz.NewReader(f)
		if err != nil {
			return lib, apperrors.NewIO("decompress", name, err)
		}
		r = xr
	}

	tmp, err := os.CreateTemp(destDir, "."+base+".*")
	if err != nil {
		return lib, apperrors.NewIO("copy", base, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return lib, apperrors.NewIO("copy", base, err)
	}
	if err := tmp.Close(); err != nil {
		return lib, apperrors.NewIO("copy", base, err)
	}

	if existing, err := fileDigest(dest); err == nil && bytes.Equal(existing, h.Sum(nil)) {
		lib.Skipped = true
		return lib, nil
	}

	if err := os.Chmod(tmpName, 0o755); err != nil {
		return lib, apperrors.NewIO("chmod", base, err)
	}
	if err := os.Lchown(tmpName, os.Getuid(), os.Getgid()); err != nil && !errors.Is(err, syscall.EPERM) {
		return lib, apperrors.NewIO("chown", base, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return lib, apperrors.NewIO("install", base, err)
	}
	logging.Debug("native library installed", "library", lib.Name, "compressed", compressed)
	return lib, nil
}

func locateNative(srcRoot, name string) (vpath.VirtualPath, bool, error) {
	vp, err := vpath.Contain(srcRoot, name)
	if err != nil {
		return vp, false, err
	}
	if info, err := os.Stat(vp.Path); err == nil && info.Mode().IsRegular() {
		return vp, strings.HasSuffix(vp.Path, compressedExt), nil
	}
	xzp, err := vpath.Contain(srcRoot, name+compressedExt)
	if err != nil {
		return xzp, false, err
	}
	if info, err := os.Stat(xzp.Path); err == nil && info.Mode().IsRegular() {
		return xzp, true, nil
	}
	return vp, false, apperrors.NewNotFound("shared object", name)
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
