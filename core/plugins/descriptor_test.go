package plugins

import (
	"errors"
	"strings"
	"testing"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
)

func mustParseDoc(t *testing.T, s string) configdoc.Document {
	t.Helper()
	doc, err := configdoc.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

func TestDecodeDescriptorsDefaults(t *testing.T) {
	doc := mustParseDoc(t, `{"plugins": [{"path": "plugins/toast.js", "className": "Toast"}]}`)
	descs, err := DecodeDescriptors(doc)
	if err != nil {
		t.Fatalf("DecodeDescriptors: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors", len(descs))
	}
	d := descs[0]
	if d.Type != SourceBytecode {
		t.Errorf("Type = %q, want default bytecodeUnit", d.Type)
	}
	if d.Cache || d.CopySharedObjects {
		t.Error("boolean fields should default to false")
	}
	if len(d.SharedObjects) != 0 || len(d.Dependencies) != 0 {
		t.Error("list fields should default to empty")
	}
	if d.IsNoop() {
		t.Error("descriptor with class and path is not a no-op")
	}
}

func TestDecodeDescriptorsFull(t *testing.T) {
	doc := mustParseDoc(t, `{
		"plugins": [{
			"type": "installedPackage",
			"path": "com.example.pkg",
			"className": "Echo",
			"cache": true,
			"copySharedObjects": true,
			"sharedObjects": ["libecho.so"],
			"hostVersion": ">=1.0.0",
			"vendor": "extra fields are kept out of the way"
		}],
		"dexFiles": [{"path": "legacy.js", "className": "Legacy"}]
	}`)
	descs, err := DecodeDescriptors(doc)
	if err != nil {
		t.Fatalf("DecodeDescriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want plugins + dexFiles", len(descs))
	}
	d := descs[0]
	if d.Type != SourceInstalled || !d.Cache || !d.CopySharedObjects || d.HostVersion != ">=1.0.0" {
		t.Errorf("unexpected descriptor %+v", d)
	}
	if len(d.SharedObjects) != 1 || d.SharedObjects[0] != "libecho.so" {
		t.Errorf("SharedObjects = %v", d.SharedObjects)
	}
	if descs[1].ClassName != "Legacy" {
		t.Errorf("legacy descriptor = %+v", descs[1])
	}
}

func TestDecodeDescriptorsInvalidEntries(t *testing.T) {
	doc := mustParseDoc(t, `{"plugins": [
		{"path": "a.js", "className": "A"},
		{"type": "dalvik", "path": "b.dex", "className": "B"},
		"not an object",
		{"path": "c.js", "className": "C", "cache": "yes"},
		{"path": "d.js", "className": "D"}
	]}`)
	descs, err := DecodeDescriptors(doc)
	if err == nil {
		t.Fatal("expected joined validation errors")
	}
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("error should wrap ErrInvalidInput: %v", err)
	}
	for _, idx := range []string{"plugins[1]", "plugins[2]", "plugins[3]"} {
		if !strings.Contains(err.Error(), idx) {
			t.Errorf("error %q should mention %s", err, idx)
		}
	}
	if len(descs) != 2 || descs[0].ClassName != "A" || descs[1].ClassName != "D" {
		t.Errorf("valid descriptors = %+v", descs)
	}
}

func TestDecodeDescriptorsEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    int
		wantErr bool
	}{
		{name: "no plugins key", doc: `{}`, want: 0},
		{name: "null plugins", doc: `{"plugins": null}`, want: 0},
		{name: "empty list", doc: `{"plugins": []}`, want: 0},
		{name: "plugins not a list", doc: `{"plugins": {"path": "a.js"}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descs, err := DecodeDescriptors(mustParseDoc(t, tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(descs) != tt.want {
				t.Errorf("got %d descriptors, want %d", len(descs), tt.want)
			}
		})
	}
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(`{"path": "x.js", "className": "X", "dependencies": ["b.js", "a.js"]}`))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	if len(d.Dependencies) != 2 {
		t.Errorf("Dependencies = %v", d.Dependencies)
	}
	if _, err := ParseDescriptor([]byte(`{`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestDescriptorIsNoop(t *testing.T) {
	tests := []struct {
		desc Descriptor
		want bool
	}{
		{Descriptor{}, true},
		{Descriptor{Path: "a.js"}, true},
		{Descriptor{ClassName: "A"}, true},
		{Descriptor{Path: "a.js", ClassName: "  "}, true},
		{Descriptor{Path: "a.js", ClassName: "A"}, false},
	}
	for _, tt := range tests {
		if got := tt.desc.IsNoop(); got != tt.want {
			t.Errorf("%+v.IsNoop() = %v, want %v", tt.desc, got, tt.want)
		}
	}
}
