// Package vpath confines requested paths to a root directory.
//
// A VirtualPath is only ever produced for locations that canonicalize to the
// root itself or something beneath it. Absolute requests are taken relative
// to the root. Parent traversal and symlinks that lead outside the root,
// dangling ones included, are rejected with a ContainmentError whose message
// names the requested path but never the root.
package vpath

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

// MaxPathLength bounds requested paths.
const MaxPathLength = 4096

// VirtualPath is a requested path together with its canonical location.
type VirtualPath struct {
	// Requested is the path as the caller supplied it.
	Requested string
	// Path is the canonical absolute location under the root.
	Path string
}

// Ext returns the lower-cased extension of the canonical path without the dot.
func (v VirtualPath) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(v.Path)), ".")
}

// Stat returns file info for the canonical path.
func (v VirtualPath) Stat() (fs.FileInfo, error) {
	return os.Stat(v.Path)
}

// Resolver contains paths against a single root, canonicalized once.
type Resolver struct {
	root string
}

// NewResolver canonicalizes root and returns a Resolver for it.
func NewResolver(root string) (*Resolver, error) {
	canon, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Contain resolves requested against the resolver's root.
func (r *Resolver) Contain(requested string) (VirtualPath, error) {
	return containCanonical(r.root, requested)
}

// Contain resolves requested against root. It is equivalent to
// NewResolver(root) followed by Contain(requested).
func Contain(root, requested string) (VirtualPath, error) {
	canon, err := canonicalRoot(root)
	if err != nil {
		return VirtualPath{}, apperrors.NewContainment(requested, "root unavailable")
	}
	return containCanonical(canon, requested)
}

// Within reports whether p is root or a descendant of root. Both arguments
// must already be clean absolute paths.
func Within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", apperrors.NewIO("resolve root", "", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", apperrors.NewIO("resolve root", "", err)
	}
	return canon, nil
}

func containCanonical(root, requested string) (VirtualPath, error) {
	if strings.ContainsRune(requested, 0) {
		return VirtualPath{}, apperrors.NewContainment(requested, "null byte")
	}
	if len(requested) > MaxPathLength {
		return VirtualPath{}, apperrors.NewContainment(requested, "path too long")
	}

	// Absolute paths are interpreted relative to the root.
	rel := strings.TrimLeft(filepath.FromSlash(requested), string(filepath.Separator))
	joined := filepath.Join(root, rel)
	if !Within(root, joined) {
		return VirtualPath{}, apperrors.NewContainment(requested, "parent traversal")
	}

	resolved, err := filepath.EvalSymlinks(joined)
	switch {
	case err == nil:
		if !Within(root, resolved) {
			return VirtualPath{}, apperrors.NewContainment(requested, "symlink escapes root")
		}
		return VirtualPath{Requested: requested, Path: resolved}, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return containMissing(root, rel, requested, joined)
	default:
		return VirtualPath{}, apperrors.NewContainment(requested, "unresolvable")
	}
}

// containMissing handles targets that do not exist yet. The deepest existing
// ancestor must itself stay inside root, and if it is a dangling symlink its
// target must too; the remainder is joined with
// SecureJoin so that no component can be reinterpreted outside it.
func containMissing(root, rel, requested, joined string) (VirtualPath, error) {
	ancestor := joined
	for {
		if _, err := os.Lstat(ancestor); err == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		ancestor = parent
	}
	if resolvedAncestor, err := filepath.EvalSymlinks(ancestor); err == nil {
		if !Within(root, resolvedAncestor) {
			return VirtualPath{}, apperrors.NewContainment(requested, "symlink escapes root")
		}
	} else if danglingEscapes(root, ancestor) {
		return VirtualPath{}, apperrors.NewContainment(requested, "symlink escapes root")
	}

	safe, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return VirtualPath{}, apperrors.NewContainment(requested, "unresolvable")
	}
	if !Within(root, safe) {
		return VirtualPath{}, apperrors.NewContainment(requested, "symlink escapes root")
	}
	return VirtualPath{Requested: requested, Path: safe}, nil
}

// maxLinkHops matches the usual kernel limit on symlink chains.
const maxLinkHops = 40

// danglingEscapes follows the symlink chain starting at link until it ends
// at a missing path and reports whether any hop lands outside root.
func danglingEscapes(root, link string) bool {
	for i := 0; i < maxLinkHops; i++ {
		info, err := os.Lstat(link)
		if err != nil || info.Mode()&fs.ModeSymlink == 0 {
			return false
		}
		target, err := os.Readlink(link)
		if err != nil {
			return true
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(link), target)
		}
		target = filepath.Clean(target)
		if dir, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
			target = filepath.Join(dir, filepath.Base(target))
		}
		if !Within(root, target) {
			return true
		}
		link = target
	}
	return true
}
