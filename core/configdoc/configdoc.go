// Package configdoc implements the key/value documents that make up a module's
// configuration and the deep merge used to layer a user override on top of the
// packaged base document.
package configdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

// ModuleIDKey is injected into both sides of a merge so that the merged
// document can name its owner.
const ModuleIDKey = "__module_id__"

// ValidateModuleID rejects ids that could not safely name a file or
// directory.
func ValidateModuleID(id string) error {
	switch {
	case id == "":
		return apperrors.NewValidation("moduleId", "is required")
	case id == "." || id == "..":
		return apperrors.NewValidation("moduleId", "reserved name")
	case strings.ContainsAny(id, `/\`+"\x00"):
		return apperrors.NewValidation("moduleId", "must not contain path separators")
	}
	return nil
}

// Document is a JSON object tree: nested maps, lists and scalars.
type Document map[string]any

// ListStrategy decides how two lists at the same key combine.
type ListStrategy int

const (
	// ListReplace keeps the override list.
	ListReplace ListStrategy = iota
	// ListAppend concatenates base then override.
	ListAppend
	// ListDeduplicate appends override elements not already present.
	ListDeduplicate
)

func (s ListStrategy) String() string {
	switch s {
	case ListAppend:
		return "append"
	case ListDeduplicate:
		return "deduplicate"
	default:
		return "replace"
	}
}

// ParseListStrategy maps a config string onto a ListStrategy.
func ParseListStrategy(s string) (ListStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return ListReplace, nil
	case "append":
		return ListAppend, nil
	case "dedupe", "deduplicate":
		return ListDeduplicate, nil
	default:
		return ListReplace, apperrors.NewValidation("listStrategy", fmt.Sprintf("unknown strategy %q", s))
	}
}

// Parse decodes a JSON object. Empty or whitespace-only input yields an empty
// document; anything that is not a JSON object is a ParseError.
func Parse(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &apperrors.ParseError{Format: "JSON", Message: err.Error(), Err: err}
	}
	if doc == nil {
		// literal null
		return Document{}, nil
	}
	return doc, nil
}

// Marshal encodes d as indented JSON.
func (d Document) Marshal() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.MarshalIndent(d, "", "  ")
}

// ModuleID returns the injected owner id, if any.
func (d Document) ModuleID() string {
	id, _ := d[ModuleIDKey].(string)
	return id
}

// String returns the string at key, or "" when missing or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the boolean at key, or def when missing or not a boolean.
func (d Document) Bool(key string, def bool) bool {
	if b, ok := d[key].(bool); ok {
		return b
	}
	return def
}

// WithModuleID returns a shallow copy of d carrying id under ModuleIDKey.
func (d Document) WithModuleID(id string) Document {
	out := make(Document, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[ModuleIDKey] = id
	return out
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Equal reports whether two documents hold the same tree.
func Equal(a, b Document) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// DeepMerge layers override on top of base and returns a new document.
// Neither input is modified.
//
// Maps merge recursively, lists combine according to strategy, and any other
// override value replaces the base value. A null override value counts as
// absent, so the base value is kept.
func DeepMerge(base, override Document, strategy ListStrategy) Document {
	return Document(mergeMaps(base, override, strategy))
}

func mergeMaps(base, override map[string]any, strategy ListStrategy) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, ov := range override {
		if ov == nil {
			continue
		}
		bv, exists := out[k]
		if !exists {
			out[k] = cloneValue(ov)
			continue
		}
		switch o := ov.(type) {
		case map[string]any:
			if b, ok := asMap(bv); ok {
				out[k] = mergeMaps(b, o, strategy)
				continue
			}
		case Document:
			if b, ok := asMap(bv); ok {
				out[k] = mergeMaps(b, o, strategy)
				continue
			}
		case []any:
			if b, ok := bv.([]any); ok {
				out[k] = mergeLists(b, o, strategy)
				continue
			}
		}
		out[k] = cloneValue(ov)
	}
	return out
}

func mergeLists(base, override []any, strategy ListStrategy) []any {
	switch strategy {
	case ListAppend:
		out := make([]any, 0, len(base)+len(override))
		for _, v := range base {
			out = append(out, cloneValue(v))
		}
		for _, v := range override {
			out = append(out, cloneValue(v))
		}
		return out
	case ListDeduplicate:
		out := make([]any, 0, len(base)+len(override))
		for _, v := range base {
			out = append(out, cloneValue(v))
		}
		for _, v := range override {
			if !containsValue(out, v) {
				out = append(out, cloneValue(v))
			}
		}
		return out
	default:
		return cloneValue(override).([]any)
	}
}

func containsValue(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
