// Package surface assembles the router, injection pipeline, configuration
// subscription and plugins that serve one module.
package surface

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/plugins"
	"github.com/FocuswithJustin/modhost/internal/bridge"
	"github.com/FocuswithJustin/modhost/internal/handlers"
	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
	"github.com/FocuswithJustin/modhost/internal/response"
	"github.com/FocuswithJustin/modhost/internal/router"
)

// Mount points, in the order they are matched.
const (
	InternalPrefix = "/internal/"
	SystemPrefix   = "/.sys/"
	WebrootPrefix  = "/"
)

// Deps are the host services a surface is built from.
type Deps struct {
	Store  *modconfig.Store
	Loader *plugins.Loader
	// Bridge receives loaded plugins. A fresh bridge is used when nil.
	Bridge     *bridge.Bridge
	Authority  string
	AllowHTTP  bool
	ModulesDir string
	// SystemRoot enables the /.sys/ mount when set.
	SystemRoot string
	SuOpener   handlers.Opener
	Policy     inject.HeaderPolicy
	// OnConfig observes every configuration version published after Open.
	OnConfig func(modconfig.Snapshot)
}

// Surface serves one module.
type Surface struct {
	moduleID string
	router   *router.Router
	pipeline *inject.Pipeline
	bridge   *bridge.Bridge
	loader   *plugins.Loader
	version  atomic.Uint64

	mu        sync.Mutex
	instances []*plugins.Instance

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open builds the surface for moduleID: matchers are registered, plugins
// declared by the current configuration are loaded and attached, and the
// configuration is observed until Close.
func Open(ctx context.Context, deps Deps, moduleID string) (*Surface, error) {
	if err := modconfig.ValidateModuleID(moduleID); err != nil {
		return nil, apperrors.Wrap(err, "open surface")
	}
	snap, err := deps.Store.Current(moduleID)
	if err != nil {
		return nil, apperrors.Wrap(err, "load config for "+moduleID)
	}

	s := &Surface{
		moduleID: moduleID,
		router:   router.New(),
		pipeline: inject.NewPipeline(),
		bridge:   deps.Bridge,
		loader:   deps.Loader,
		done:     make(chan struct{}),
	}
	if s.bridge == nil {
		s.bridge = bridge.New()
	}
	s.version.Store(snap.Version)

	s.pipeline.Add(inject.ConfigSnippet())
	s.pipeline.Add(inject.InternalScript(inject.Body, InternalPrefix+handlers.BridgeScript))
	s.pipeline.Add(inject.Stylesheet(InternalPrefix + handlers.InsetsStyle))

	policy := deps.Policy
	policy.Authority = deps.Authority
	matchers := []router.PathMatcher{{
		Authority:   deps.Authority,
		PathPrefix:  InternalPrefix,
		HTTPAllowed: deps.AllowHTTP,
		Handler: &handlers.Internal{
			ModuleID: moduleID,
			Config:   deps.Store,
			Policy:   policy,
			Plugins:  s.bridge.Names,
		},
	}}
	if deps.SystemRoot != "" {
		matchers = append(matchers, router.PathMatcher{
			Authority:   deps.Authority,
			PathPrefix:  SystemPrefix,
			HTTPAllowed: deps.AllowHTTP,
			Handler:     &handlers.Su{Root: deps.SystemRoot, Opener: deps.SuOpener, Policy: policy},
		})
	}
	matchers = append(matchers, router.PathMatcher{
		Authority:   deps.Authority,
		PathPrefix:  WebrootPrefix,
		HTTPAllowed: deps.AllowHTTP,
		Handler: &handlers.Webroot{
			ModuleID: moduleID,
			Root:     filepath.Join(deps.ModulesDir, moduleID, "webroot"),
			Config:   deps.Store,
			Pipeline: s.pipeline,
			Policy:   policy,
		},
	})
	for _, m := range matchers {
		if err := s.router.Register(m); err != nil {
			return nil, apperrors.Wrap(err, "register "+m.PathPrefix)
		}
	}

	if s.loader != nil {
		s.loadPlugins(ctx, snap)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	updates, err := deps.Store.Subscribe(subCtx, moduleID)
	if err != nil {
		cancel()
		s.releasePlugins()
		return nil, apperrors.Wrap(err, "subscribe to config for "+moduleID)
	}
	s.cancel = cancel
	go s.observe(updates, deps.OnConfig)

	logging.Info("surface opened",
		"module_id", moduleID,
		"authority", deps.Authority,
		"plugins", len(s.Plugins()),
		"version", snap.Version)
	return s, nil
}

func (s *Surface) loadPlugins(ctx context.Context, snap modconfig.Snapshot) {
	descs, err := plugins.DecodeDescriptors(snap.Doc)
	if err != nil {
		logging.Warn("invalid plugin descriptors", "module_id", s.moduleID, "error", err.Error())
	}
	loaded := s.loader.LoadAll(ctx, descs, s.moduleID)
	s.mu.Lock()
	s.instances = loaded
	s.mu.Unlock()
	for _, inst := range loaded {
		if err := s.bridge.Attach(inst.Name, inst.Capability); err != nil {
			logging.PluginError(inst.Name, "attach", err, "module_id", s.moduleID)
		}
	}
}

func (s *Surface) observe(updates <-chan modconfig.Snapshot, onConfig func(modconfig.Snapshot)) {
	defer close(s.done)
	for snap := range updates {
		s.version.Store(snap.Version)
		logging.ConfigEvent("observed", s.moduleID, snap.Version)
		if onConfig != nil {
			onConfig(snap)
		}
	}
}

// ModuleID returns the module the surface serves.
func (s *Surface) ModuleID() string {
	return s.moduleID
}

// Version is the latest configuration version the surface has seen.
func (s *Surface) Version() uint64 {
	return s.version.Load()
}

// Router exposes the surface's matchers.
func (s *Surface) Router() *router.Router {
	return s.router
}

// Bridge exposes the capabilities attached for the module.
func (s *Surface) Bridge() *bridge.Bridge {
	return s.bridge
}

// Plugins lists the loaded instances.
func (s *Surface) Plugins() []*plugins.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plugins.Instance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Dispatch routes req. A nil response means no matcher handled it.
func (s *Surface) Dispatch(ctx context.Context, req *router.Request) *response.Response {
	return s.router.Dispatch(logging.WithModuleID(ctx, s.moduleID), req)
}

// Close detaches and unregisters plugins and drops the configuration
// subscription. It is safe to call more than once.
func (s *Surface) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.releasePlugins()
		logging.Info("surface closed", "module_id", s.moduleID)
	})
	return nil
}

func (s *Surface) releasePlugins() {
	s.mu.Lock()
	instances := s.instances
	s.instances = nil
	s.mu.Unlock()
	for _, inst := range instances {
		s.bridge.Detach(inst.Name)
		if s.loader == nil {
			continue
		}
		if err := s.loader.Unregister(inst); err != nil {
			logging.PluginError(inst.Name, "unregister", err, "module_id", s.moduleID)
		}
	}
}
