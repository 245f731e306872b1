package handlers

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"path"
	"strings"

	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/response"
	"github.com/FocuswithJustin/modhost/internal/router"
)

//go:embed assets
var assets embed.FS

// Paths served by Internal, relative to its mount point.
const (
	BridgeScript = "bridge.js"
	InsetsStyle  = "insets.css"
	ConfigJSON   = "config.json"
	PluginsJSON  = "plugins.json"
)

// Internal serves host assets and generated documents under the surface's
// internal prefix.
type Internal struct {
	ModuleID string
	Config   ConfigSource
	Policy   inject.HeaderPolicy
	// Plugins lists the capabilities attached to the bridge. Optional.
	Plugins func() []string
}

// Handle implements router.Handler.
func (h *Internal) Handle(ctx context.Context, req *router.Request, suffix string) (*response.Response, error) {
	doc := currentDoc(ctx, h.Config, h.ModuleID)
	headers := h.Policy.Headers(suffix, nil, doc)

	switch suffix {
	case ConfigJSON:
		data, err := doc.Marshal()
		if err != nil {
			return nil, err
		}
		resp := applyHeaders(response.FromBytes("application/json", data), headers)
		return resp.SetHeader("Cache-Control", "no-store"), nil
	case PluginsJSON:
		names := []string{}
		if h.Plugins != nil {
			names = append(names, h.Plugins()...)
		}
		data, err := json.Marshal(names)
		if err != nil {
			return nil, err
		}
		resp := applyHeaders(response.FromBytes("application/json", data), headers)
		return resp.SetHeader("Cache-Control", "no-store"), nil
	}

	name := strings.TrimPrefix(suffix, "/")
	if !fs.ValidPath(name) || name == "." {
		return response.NotFound(), nil
	}
	data, err := fs.ReadFile(assets, path.Join("assets", name))
	if err != nil {
		return response.NotFound(), nil
	}
	mimeType := response.TypeByExtension(name)
	if mimeType == "" {
		mimeType = response.Sniff(data)
	}
	return applyHeaders(response.FromBytes(mimeType, data), headers), nil
}
