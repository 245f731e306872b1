package handlers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"syscall"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/response"
	"github.com/FocuswithJustin/modhost/internal/router"
)

const (
	indexFile = "index.html"

	// Config keys read by Webroot.
	HistoryFallbackKey     = "historyFallback"
	HistoryFallbackFileKey = "historyFallbackFile"
)

// Webroot serves a module's webroot directory. HTML documents pass through
// the injection pipeline.
type Webroot struct {
	ModuleID string
	Root     string
	Config   ConfigSource
	Pipeline *inject.Pipeline
	Policy   inject.HeaderPolicy
}

// Handle implements router.Handler.
func (h *Webroot) Handle(ctx context.Context, req *router.Request, suffix string) (*response.Response, error) {
	doc := currentDoc(ctx, h.Config, h.ModuleID)

	vp, info, err := h.resolve(suffix)
	if errors.Is(err, apperrors.ErrContainment) {
		return forbidden(ctx, "webroot", suffix), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if !doc.Bool(HistoryFallbackKey, false) {
			return response.NotFound(), nil
		}
		fallback := doc.String(HistoryFallbackFileKey)
		if fallback == "" {
			fallback = indexFile
		}
		vp, info, err = h.resolve(fallback)
		if errors.Is(err, apperrors.ErrContainment) {
			return forbidden(ctx, "webroot", fallback), nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return response.NotFound(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return h.serve(ctx, vp, info, doc)
}

// resolve contains requested under the webroot and maps directories to their
// index document.
func (h *Webroot) resolve(requested string) (vpath.VirtualPath, fs.FileInfo, error) {
	vp, err := vpath.Contain(h.Root, requested)
	if err != nil {
		return vp, nil, err
	}
	info, err := os.Stat(vp.Path)
	if err != nil {
		return vp, nil, notExist(err)
	}
	if !info.IsDir() {
		return vp, info, nil
	}
	vp, err = vpath.Contain(h.Root, path.Join("/", requested, indexFile))
	if err != nil {
		return vp, nil, err
	}
	info, err = os.Stat(vp.Path)
	if err != nil {
		return vp, nil, notExist(err)
	}
	if info.IsDir() {
		return vp, nil, fs.ErrNotExist
	}
	return vp, info, nil
}

func (h *Webroot) serve(ctx context.Context, vp vpath.VirtualPath, info fs.FileInfo, doc configdoc.Document) (*response.Response, error) {
	name := info.Name()
	headers := h.Policy.Headers(name, info, doc)

	if h.Pipeline == nil || !inject.ShouldInject(name) {
		resp, err := response.FromFile(vp.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return response.NotFound(), nil
			}
			return nil, apperrors.NewIO("open", vp.Requested, err)
		}
		return applyHeaders(resp, headers), nil
	}

	data, err := os.ReadFile(vp.Path)
	if err != nil {
		return nil, apperrors.NewIO("read", vp.Requested, err)
	}
	out := h.Pipeline.Apply(inject.Context{
		ModuleID:  h.ModuleID,
		Authority: h.Policy.Authority,
		Path:      vp.Requested,
		Config:    doc,
	}, data)
	return applyHeaders(response.FromBytes("text/html", out), headers), nil
}

// notExist folds "not a directory" into fs.ErrNotExist.
func notExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return fs.ErrNotExist
	}
	return err
}
