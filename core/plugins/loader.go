package plugins

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/internal/cache"
	"github.com/FocuswithJustin/modhost/internal/logging"
)

// DefaultLoadConcurrency bounds LoadAll.
const DefaultLoadConcurrency = 4

// Options configures a Loader.
type Options struct {
	// ModulesDir holds one resource tree per module id.
	ModulesDir string
	// NativeDir receives private copies of native shared objects.
	NativeDir string
	// Registry resolves installed packages. Nil disables installed packages
	// other than Builtins.
	Registry PackageRegistry
	// Opener opens installed package artifacts. Defaults to GoPluginOpener.
	Opener   SymbolOpener
	Builtins *Builtins
	Security SecurityConfig
	// HostVersion overrides the package HostVersion constant.
	HostVersion string
	Concurrency int
}

// Loader loads plugin instances for modules.
type Loader struct {
	modulesDir  string
	nativeDir   string
	registry    PackageRegistry
	opener      SymbolOpener
	builtins    *Builtins
	security    SecurityConfig
	hostVersion string
	concurrency int

	cache *cache.Cache[string, *Instance]

	mu   sync.Mutex
	live map[string]*Instance
}

// NewLoader creates a loader.
func NewLoader(opts Options) *Loader {
	l := &Loader{
		modulesDir:  opts.ModulesDir,
		nativeDir:   opts.NativeDir,
		registry:    opts.Registry,
		opener:      opts.Opener,
		builtins:    opts.Builtins,
		security:    opts.Security,
		hostVersion: opts.HostVersion,
		concurrency: opts.Concurrency,
		cache:       cache.New[string, *Instance](0),
		live:        make(map[string]*Instance),
	}
	if l.opener == nil {
		l.opener = GoPluginOpener{}
	}
	if l.builtins == nil {
		l.builtins = NewBuiltins()
	}
	if l.hostVersion == "" {
		l.hostVersion = HostVersion
	}
	if l.concurrency <= 0 {
		l.concurrency = DefaultLoadConcurrency
	}
	if l.nativeDir == "" {
		l.nativeDir = filepath.Join(l.modulesDir, ".native")
	}
	return l
}

// Builtins returns the loader's builtin symbol table.
func (l *Loader) Builtins() *Builtins {
	return l.builtins
}

// ModuleDir returns the resource tree of moduleID.
func (l *Loader) ModuleDir(moduleID string) string {
	return filepath.Join(l.modulesDir, moduleID)
}

// Load loads desc for moduleID. Failures are logged and yield nil; so does a
// descriptor without a class name or path.
func (l *Loader) Load(ctx context.Context, desc Descriptor, moduleID string) *Instance {
	inst, err := l.TryLoad(ctx, desc, moduleID)
	if err != nil {
		stage := "load"
		var le *apperrors.LoadError
		if errors.As(err, &le) {
			stage = le.Stage
		}
		logging.PluginError(desc.ClassName, stage, err, "module_id", moduleID, "path", desc.Path)
		return nil
	}
	return inst
}

// TryLoad is Load with the failure returned.
func (l *Loader) TryLoad(ctx context.Context, desc Descriptor, moduleID string) (*Instance, error) {
	if desc.IsNoop() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewLoad(desc.ClassName, "load", err)
	}
	if err := configdoc.ValidateModuleID(moduleID); err != nil {
		return nil, apperrors.NewLoad(desc.ClassName, "resolve", err)
	}
	if err := CheckHostVersion(desc.HostVersion, l.hostVersion); err != nil {
		return nil, apperrors.NewLoad(desc.ClassName, "version", err)
	}
	if desc.Cache {
		if inst, ok := l.cache.Get(desc.ClassName); ok {
			return inst, nil
		}
	}

	moduleDir := l.ModuleDir(moduleID)
	var (
		c         Capability
		nativeSrc = moduleDir
		err       error
	)
	switch desc.Type {
	case SourceBytecode, "":
		desc.Type = SourceBytecode
		c, err = loadBytecode(ctx, moduleDir, desc)
	case SourceInstalled:
		var libDir string
		c, libDir, err = l.loadInstalled(desc)
		if libDir != "" {
			nativeSrc = libDir
		}
	default:
		err = apperrors.NewLoad(desc.ClassName, "resolve", apperrors.NewUnsupported("plugin type", string(desc.Type)))
	}
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:         uuid.NewString(),
		Name:       desc.ClassName,
		ModuleID:   moduleID,
		Source:     desc.Type,
		Capability: c,
	}
	if desc.CopySharedObjects {
		if err := l.bindNative(inst, nativeSrc, desc.SharedObjects); err != nil {
			_ = closeCapability(c)
			return nil, apperrors.NewLoad(desc.ClassName, "native", err)
		}
	}

	if desc.Cache {
		inst.cached = true
		actual, loaded := l.cache.GetOrSet(desc.ClassName, inst)
		if loaded {
			_ = closeCapability(c)
			return actual, nil
		}
	}
	l.mu.Lock()
	l.live[inst.ID] = inst
	l.mu.Unlock()

	logging.PluginLoading(desc.ClassName, moduleID, string(desc.Type),
		"instance_id", inst.ID,
		"cached", inst.cached,
		"native_libraries", len(inst.NativeLibraries))
	return inst, nil
}

func (l *Loader) bindNative(inst *Instance, srcRoot string, names []string) error {
	libs, err := copyNative(srcRoot, l.nativeDir, names)
	if err != nil {
		return err
	}
	binder, ok := inst.Capability.(NativeBinder)
	for _, lib := range libs {
		inst.NativeLibraries = append(inst.NativeLibraries, lib.Name)
		if !ok {
			continue
		}
		if err := binder.BindNative(lib.Name, lib.Path); err != nil {
			if errors.Is(err, apperrors.ErrUnsupported) {
				logging.Warn("native library not bound", "class_name", inst.Name, "library", lib.Name, "error", err.Error())
				continue
			}
			return err
		}
		inst.NativeRegistered = true
	}
	return nil
}

// LoadAll loads descs concurrently. The result keeps descriptor order and
// omits descriptors that failed or were no-ops.
func (l *Loader) LoadAll(ctx context.Context, descs []Descriptor, moduleID string) []*Instance {
	results := make([]*Instance, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, desc := range descs {
		g.Go(func() error {
			results[i] = l.Load(gctx, desc, moduleID)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Instance, 0, len(results))
	for _, inst := range results {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Instances lists live instances ordered by name then id.
func (l *Loader) Instances() []*Instance {
	l.mu.Lock()
	out := make([]*Instance, 0, len(l.live))
	for _, inst := range l.live {
		out = append(out, inst)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unregister forgets inst and closes its capability. Cached instances are
// shared; they are only released by Teardown.
func (l *Loader) Unregister(inst *Instance) error {
	if inst == nil || inst.cached {
		return nil
	}
	l.mu.Lock()
	_, ok := l.live[inst.ID]
	delete(l.live, inst.ID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return closeCapability(inst.Capability)
}

// Teardown closes every live instance and empties the cache.
func (l *Loader) Teardown() error {
	l.mu.Lock()
	live := l.live
	l.live = make(map[string]*Instance)
	l.mu.Unlock()
	l.cache.Invalidate()

	var errs []error
	for _, inst := range live {
		if err := closeCapability(inst.Capability); err != nil {
			errs = append(errs, apperrors.NewLoad(inst.Name, "close", err))
		}
	}
	return errors.Join(errs...)
}
