package plugins

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

//go:embed schema.cue
var descriptorSchema []byte

// Config keys that carry plugin descriptors. dexFiles is the legacy name.
const (
	DescriptorsKey       = "plugins"
	LegacyDescriptorsKey = "dexFiles"
)

// Descriptor declares one plugin of a module.
type Descriptor struct {
	Type              SourceType `json:"type"`
	Path              string     `json:"path"`
	ClassName         string     `json:"className"`
	Cache             bool       `json:"cache"`
	CopySharedObjects bool       `json:"copySharedObjects"`
	SharedObjects     []string   `json:"sharedObjects"`
	Dependencies      []string   `json:"dependencies"`
	HostVersion       string     `json:"hostVersion"`
}

// IsNoop reports whether the descriptor names nothing to load.
func (d Descriptor) IsNoop() bool {
	return strings.TrimSpace(d.ClassName) == "" || strings.TrimSpace(d.Path) == ""
}

// DecodeDescriptors extracts plugin descriptors from a configuration document.
// Entries failing schema validation are skipped; their errors are joined and
// returned alongside the descriptors that did validate.
func DecodeDescriptors(doc configdoc.Document) ([]Descriptor, error) {
	var entries []any
	for _, key := range []string{DescriptorsKey, LegacyDescriptorsKey} {
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, apperrors.NewValidation(key, "must be a list of plugin descriptors")
		}
		entries = append(entries, list...)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(descriptorSchema)
	if schema.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile descriptor schema: %w", schema.Err())
	}
	def := schema.LookupPath(cue.ParsePath("#Plugin"))
	if def.Err() != nil {
		return nil, fmt.Errorf("internal error: schema definition #Plugin not found: %w", def.Err())
	}

	var (
		descs []Descriptor
		errs  []error
	)
	for i, entry := range entries {
		d, err := decodeOne(ctx, def, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugins[%d]: %w", i, err))
			continue
		}
		descs = append(descs, d)
	}
	return descs, errors.Join(errs...)
}

// ParseDescriptor validates a single JSON descriptor.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var entry any
	if err := json.Unmarshal(data, &entry); err != nil {
		return Descriptor{}, apperrors.NewParse("descriptor", "", err.Error())
	}
	descs, err := DecodeDescriptors(configdoc.Document{DescriptorsKey: []any{entry}})
	if err != nil {
		return Descriptor{}, err
	}
	return descs[0], nil
}

func decodeOne(ctx *cue.Context, def cue.Value, entry any) (Descriptor, error) {
	if _, ok := entry.(map[string]any); !ok {
		return Descriptor{}, apperrors.NewValidation("descriptor", "must be an object")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Descriptor{}, apperrors.NewParse("descriptor", "", err.Error())
	}
	value := ctx.CompileBytes(data, cue.Filename("descriptor.json"))
	if value.Err() != nil {
		return Descriptor{}, apperrors.NewParse("descriptor", "", value.Err().Error())
	}
	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Descriptor{}, apperrors.NewValidation("descriptor", err.Error())
	}
	var d Descriptor
	if err := unified.Decode(&d); err != nil {
		return Descriptor{}, apperrors.NewValidation("descriptor", err.Error())
	}
	return d, nil
}
