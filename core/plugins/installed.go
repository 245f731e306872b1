package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

// PackageInfo locates an installed package on disk.
type PackageInfo struct {
	ArtifactPath string
	NativeLibDir string
}

// PackageRegistry resolves installed package identifiers.
type PackageRegistry interface {
	Resolve(packageID string) (PackageInfo, error)
}

// DirRegistry resolves packages laid out as <Root>/<id>/plugin.so with native
// libraries under <Root>/<id>/lib.
type DirRegistry struct {
	Root string
}

// Resolve implements PackageRegistry.
func (r DirRegistry) Resolve(packageID string) (PackageInfo, error) {
	if r.Root == "" {
		return PackageInfo{}, apperrors.NewNotFound("package", packageID)
	}
	if packageID == "" || packageID == "." || packageID == ".." || filepath.Base(packageID) != packageID {
		return PackageInfo{}, apperrors.NewValidation("package", fmt.Sprintf("invalid package id %q", packageID))
	}
	dir := filepath.Join(r.Root, packageID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return PackageInfo{}, apperrors.NewNotFound("package", packageID)
	}
	return PackageInfo{
		ArtifactPath: filepath.Join(dir, "plugin.so"),
		NativeLibDir: filepath.Join(dir, "lib"),
	}, nil
}

// SymbolTable exposes the exported symbols of an opened artifact.
type SymbolTable interface {
	Lookup(name string) (any, error)
}

// SymbolOpener opens a package artifact.
type SymbolOpener interface {
	Open(path string) (SymbolTable, error)
}

// GoPluginOpener opens artifacts built with -buildmode=plugin.
type GoPluginOpener struct{}

// Open implements SymbolOpener.
func (GoPluginOpener) Open(path string) (SymbolTable, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return goPlugin{p}, nil
}

type goPlugin struct {
	p *plugin.Plugin
}

func (g goPlugin) Lookup(name string) (any, error) {
	sym, err := g.p.Lookup(name)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// Factory creates a capability instance.
type Factory func() Capability

// Builtins is a symbol table of capabilities compiled into the host. It is
// consulted before any artifact is opened.
type Builtins struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewBuiltins returns an empty table.
func NewBuiltins() *Builtins {
	return &Builtins{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for className.
func (b *Builtins) Register(className string, f Factory) {
	if className == "" || f == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.factories == nil {
		b.factories = make(map[string]Factory)
	}
	b.factories[className] = f
}

// Has reports whether className is registered.
func (b *Builtins) Has(className string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.factories[className]
	return ok
}

// Names lists registered class names in sorted order.
func (b *Builtins) Names() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.factories))
	for name := range b.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup implements SymbolTable.
func (b *Builtins) Lookup(name string) (any, error) {
	if b != nil {
		b.mu.RLock()
		f, ok := b.factories[name]
		b.mu.RUnlock()
		if ok {
			return f, nil
		}
	}
	return nil, apperrors.NewNotFound("builtin", name)
}

// capabilityFromSymbol accepts the symbol shapes an installed package may
// export for its class.
func capabilityFromSymbol(className string, sym any) (Capability, error) {
	switch v := sym.(type) {
	case Factory:
		return nonNil(className, v())
	case func() Capability:
		return nonNil(className, v())
	case func() (Capability, error):
		c, err := v()
		if err != nil {
			return nil, err
		}
		return nonNil(className, c)
	case *Capability:
		if v == nil {
			return nil, fmt.Errorf("%w: %s is a nil pointer", apperrors.ErrCapability, className)
		}
		return nonNil(className, *v)
	case Capability:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s has type %T", apperrors.ErrCapability, className, sym)
	}
}

func nonNil(className string, c Capability) (Capability, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: %s produced no instance", apperrors.ErrCapability, className)
	}
	return c, nil
}

// loadInstalled resolves desc.Path through the registry and instantiates
// desc.ClassName. It returns the package's native library directory.
func (l *Loader) loadInstalled(desc Descriptor) (Capability, string, error) {
	if sym, err := l.builtins.Lookup(desc.ClassName); err == nil {
		c, err := capabilityFromSymbol(desc.ClassName, sym)
		if err != nil {
			return nil, "", apperrors.NewLoad(desc.ClassName, "instantiate", err)
		}
		return c, "", nil
	}

	if l.registry == nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "resolve", apperrors.NewNotFound("package", desc.Path))
	}
	pkg, err := l.registry.Resolve(desc.Path)
	if err != nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "resolve", err)
	}
	if err := l.security.ValidateArtifactPath(pkg.ArtifactPath); err != nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "validate", err)
	}
	table, err := l.opener.Open(pkg.ArtifactPath)
	if err != nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "open", err)
	}
	sym, err := table.Lookup(desc.ClassName)
	if err != nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "resolve class", err)
	}
	c, err := capabilityFromSymbol(desc.ClassName, sym)
	if err != nil {
		return nil, "", apperrors.NewLoad(desc.ClassName, "instantiate", err)
	}
	return c, pkg.NativeLibDir, nil
}
