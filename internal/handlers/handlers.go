// Package handlers implements the path handlers mounted on a module surface:
// the module webroot, the host's internal assets and the system root.
package handlers

import (
	"context"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
	"github.com/FocuswithJustin/modhost/internal/response"
)

// ConfigSource yields the current configuration of a module.
type ConfigSource interface {
	Current(moduleID string) (modconfig.Snapshot, error)
}

// currentDoc never fails; an unavailable configuration reads as empty.
func currentDoc(ctx context.Context, src ConfigSource, moduleID string) configdoc.Document {
	if src == nil {
		return configdoc.Document{}
	}
	snap, err := src.Current(moduleID)
	if err != nil {
		logging.WarnContext(ctx, "configuration unavailable", "module_id", moduleID, "error", err)
		return configdoc.Document{}
	}
	return snap.Doc
}

// forbidden logs a rejected path without disclosing the root it was checked
// against.
func forbidden(ctx context.Context, component, requested string) *response.Response {
	logging.SecurityEvent("containment_rejected", component,
		"path", requested,
		"request_id", logging.GetRequestID(ctx))
	return response.Forbidden()
}

func applyHeaders(resp *response.Response, headers map[string]string) *response.Response {
	for k, v := range headers {
		resp.SetHeader(k, v)
	}
	return resp
}
