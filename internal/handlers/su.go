package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/response"
	"github.com/FocuswithJustin/modhost/internal/router"
)

// Opener reads files on behalf of the Su handler.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// OSOpener reads files with the host's own privileges.
type OSOpener struct{}

// Open implements Opener.
func (OSOpener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// CommandOpener reads files through a privileged shell, `su -c cat <path>`
// by default.
type CommandOpener struct {
	// Command is the shell entry point. It receives "-c" and the cat
	// invocation. Defaults to "su".
	Command string
}

// Open implements Opener.
func (o CommandOpener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	name := o.Command
	if name == "" {
		name = "su"
	}
	cmd := exec.CommandContext(ctx, name, "-c", "cat -- "+shellQuote(path))
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &apperrors.NotFoundError{Resource: "file", Err: fs.ErrNotExist}
		}
		return nil, apperrors.NewIO("run", name, err)
	}
	return io.NopCloser(bytes.NewReader(out)), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Su serves files under a system root through an Opener.
type Su struct {
	Root   string
	Opener Opener
	Policy inject.HeaderPolicy
}

// Handle implements router.Handler.
func (h *Su) Handle(ctx context.Context, req *router.Request, suffix string) (*response.Response, error) {
	vp, err := vpath.Contain(h.Root, suffix)
	if err != nil {
		if errors.Is(err, apperrors.ErrContainment) {
			return forbidden(ctx, "su", suffix), nil
		}
		return nil, err
	}
	opener := h.Opener
	if opener == nil {
		opener = OSOpener{}
	}
	rc, err := opener.Open(ctx, vp.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, apperrors.ErrNotFound) {
			return response.NotFound(), nil
		}
		if errors.Is(err, fs.ErrPermission) {
			return response.Forbidden(), nil
		}
		return nil, apperrors.NewIO("open", vp.Requested, err)
	}
	mimeType := response.TypeByExtension(vp.Path)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	headers := h.Policy.Headers(vp.Path, nil, nil)
	return applyHeaders(response.FromReader(mimeType, rc), headers), nil
}
