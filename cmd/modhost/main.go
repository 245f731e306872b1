// Command modhost serves web modules from a local directory tree and manages
// their configuration and plugins.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/modhost/core/plugins"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/handlers"
	"github.com/FocuswithJustin/modhost/internal/hostconfig"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
	"github.com/FocuswithJustin/modhost/internal/server"
	"github.com/FocuswithJustin/modhost/internal/surface"
)

const version = "1.2.0"

// CLI defines the command-line interface for modhost.
var CLI struct {
	// Global flags override the settings file.
	Settings   string `name:"config" short:"c" help:"Host settings file (default: ./modhost.{yaml,json,toml})" type:"path"`
	ModulesDir string `name:"modules-dir" help:"Directory holding <module>/webroot" type:"path"`
	DataDir    string `name:"data-dir" help:"Directory for the journal and installed packages" type:"path"`
	LogLevel   string `name:"log-level" help:"Log level (debug, info, warn, error)"`

	Serve   ServeCmd     `cmd:"" help:"Serve a module over HTTP"`
	Config  ConfigGroup  `cmd:"" help:"Module configuration (show, set, history)"`
	Plugins PluginsGroup `cmd:"" help:"Plugin descriptors and loading"`
	Resolve ResolveCmd   `cmd:"" help:"Resolve a path against a root the way handlers do"`
	Version VersionCmd   `cmd:"" help:"Print version information"`
}

// ConfigGroup contains configuration operations.
type ConfigGroup struct {
	Show    ConfigShowCmd    `cmd:"" help:"Print the merged configuration"`
	Set     ConfigSetCmd     `cmd:"" help:"Change override keys"`
	History ConfigHistoryCmd `cmd:"" help:"List saved override revisions"`
}

// PluginsGroup contains plugin operations.
type PluginsGroup struct {
	List PluginsListCmd `cmd:"" help:"List plugin descriptors declared by a module"`
	Load PluginsLoadCmd `cmd:"" help:"Load a module's plugins and report the result"`
}

// host bundles the services commands share.
type host struct {
	cfg     *hostconfig.Config
	store   *modconfig.Store
	journal *modconfig.Journal
	logs    io.Closer
}

func openHost() (*host, error) {
	cfg, err := hostconfig.Load(CLI.Settings, ".")
	if err != nil {
		return nil, err
	}
	if CLI.ModulesDir != "" {
		cfg.ModulesDir = CLI.ModulesDir
	}
	if CLI.DataDir != "" {
		cfg.DataDir = CLI.DataDir
	}
	if CLI.LogLevel != "" {
		cfg.Log.Level = CLI.LogLevel
	}
	logs := logging.Configure(cfg.LoggingOptions())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	journal, err := modconfig.OpenJournal(cfg.JournalPath())
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &host{
		cfg:     cfg,
		store:   modconfig.New(cfg.StoreOptions(journal)),
		journal: journal,
		logs:    logs,
	}, nil
}

func (h *host) loader() *plugins.Loader {
	return plugins.NewLoader(plugins.Options{
		ModulesDir: h.cfg.ModulesDir,
		Registry:   plugins.DirRegistry{Root: h.cfg.PackagesDir()},
		Security:   plugins.SecurityConfig{AllowedPackageDirs: []string{h.cfg.PackagesDir()}},
	})
}

func (h *host) Close() error {
	err := h.journal.Close()
	h.logs.Close()
	return err
}

// ServeCmd serves one module.
type ServeCmd struct {
	Module string `required:"" short:"m" help:"Module id"`
	Port   int    `help:"HTTP port (overrides settings)"`
}

func (c *ServeCmd) Run() error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()
	if c.Port != 0 {
		h.cfg.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := h.loader()
	defer loader.Teardown()

	var opener handlers.Opener
	if h.cfg.SuCommand != "" {
		opener = handlers.CommandOpener{Command: h.cfg.SuCommand}
	}
	s, err := surface.Open(ctx, surface.Deps{
		Store:      h.store,
		Loader:     loader,
		Authority:  h.cfg.Authority,
		AllowHTTP:  h.cfg.AllowHTTP,
		ModulesDir: h.cfg.ModulesDir,
		SystemRoot: h.cfg.SystemRoot,
		SuOpener:   opener,
		Policy:     h.cfg.HeaderPolicy(),
	}, c.Module)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := server.New(server.Config{
		Port:                h.cfg.Port,
		Workers:             h.cfg.Workers,
		ModuleID:            c.Module,
		TrustForwardedProto: h.cfg.TrustForwardedProto,
	}, s, h.store)
	return srv.Run(ctx)
}

// ConfigShowCmd prints the merged document or one key of it.
type ConfigShowCmd struct {
	Module string `required:"" short:"m" help:"Module id"`
	Path   string `arg:"" optional:"" help:"Dotted key path (default: whole document)"`
}

func (c *ConfigShowCmd) Run(ctx *kong.Context) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	if c.Path != "" {
		res, err := h.store.Get(c.Module, c.Path)
		if err != nil {
			return err
		}
		if !res.Exists() {
			return fmt.Errorf("key %q is not set", c.Path)
		}
		fmt.Fprintln(ctx.Stdout, res.Raw)
		return nil
	}
	snap, err := h.store.Current(c.Module)
	if err != nil {
		return err
	}
	return printJSON(ctx.Stdout, snap.Doc)
}

// ConfigSetCmd writes override keys.
type ConfigSetCmd struct {
	Module string   `required:"" short:"m" help:"Module id"`
	Pairs  []string `arg:"" help:"key=value pairs; values are JSON when they parse, strings otherwise; null removes the key"`
}

func (c *ConfigSetCmd) Run(ctx *kong.Context) error {
	changes, err := parseAssignments(c.Pairs)
	if err != nil {
		return err
	}
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	snap, err := h.store.Save(context.Background(), c.Module, changes)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "%s: version %d\n", c.Module, snap.Version)
	return nil
}

// parseAssignments turns key=value pairs into Save changes.
func parseAssignments(pairs []string) (map[string]any, error) {
	changes := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		changes[key] = v
	}
	return changes, nil
}

// ConfigHistoryCmd lists journaled revisions.
type ConfigHistoryCmd struct {
	Module string `required:"" short:"m" help:"Module id"`
	Limit  int    `help:"Maximum revisions to show" default:"20"`
}

func (c *ConfigHistoryCmd) Run(ctx *kong.Context) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	revs, err := h.store.History(context.Background(), c.Module, c.Limit)
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		fmt.Fprintln(ctx.Stdout, "no revisions")
		return nil
	}
	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSAVED\tOVERRIDE")
	for _, r := range revs {
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.Version, r.SavedAt.Format("2006-01-02 15:04:05"), r.Override)
	}
	return w.Flush()
}

// PluginsListCmd prints a module's plugin descriptors.
type PluginsListCmd struct {
	Module string `required:"" short:"m" help:"Module id"`
}

func (c *PluginsListCmd) Run(ctx *kong.Context) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	snap, err := h.store.Current(c.Module)
	if err != nil {
		return err
	}
	descs, derr := plugins.DecodeDescriptors(snap.Doc)
	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tTYPE\tPATH\tCACHE\tNATIVE")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", d.ClassName, d.Type, d.Path, d.Cache, strings.Join(d.SharedObjects, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if derr != nil {
		fmt.Fprintf(ctx.Stderr, "invalid descriptors skipped:\n%v\n", derr)
	}
	return nil
}

// PluginsLoadCmd loads plugins the way a surface does.
type PluginsLoadCmd struct {
	Module string `required:"" short:"m" help:"Module id"`
}

func (c *PluginsLoadCmd) Run(ctx *kong.Context) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()

	snap, err := h.store.Current(c.Module)
	if err != nil {
		return err
	}
	descs, _ := plugins.DecodeDescriptors(snap.Doc)
	loader := h.loader()
	defer loader.Teardown()

	loaded := loader.LoadAll(context.Background(), descs, c.Module)
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	w := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tSOURCE\tCACHED\tNATIVE\tID")
	for _, inst := range loaded {
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", inst.Name, inst.Source, inst.Cached(), inst.NativeRegistered, inst.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "%d of %d declared plugins loaded\n", len(loaded), len(descs))
	return nil
}

// ResolveCmd contains a path against a root.
type ResolveCmd struct {
	Root string `arg:"" help:"Root directory" type:"existingdir"`
	Path string `arg:"" help:"Requested path"`
}

func (c *ResolveCmd) Run(ctx *kong.Context) error {
	vp, err := vpath.Contain(c.Root, c.Path)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Stdout, vp.Path)
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *kong.Context) error {
	fmt.Fprintf(ctx.Stdout, "modhost version %s (plugin host %s)\n", version, plugins.HostVersion)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("modhost"),
		kong.Description("Serve web modules with layered configuration and plugins"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
