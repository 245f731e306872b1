// Package plugins loads capability plugins declared by a module's configuration.
//
// Two artifact kinds are supported. Bytecode units are JavaScript files shipped
// inside the module's resource tree and evaluated in an isolated goja runtime.
// Installed packages are resolved through a PackageRegistry and opened as Go
// plugins (or looked up in a Builtins table). Either kind may ship native shared
// objects which are copied into a private directory and bound to the instance.
package plugins

import (
	"io"
)

// HostVersion is the version of the plugin host. Descriptors may constrain it
// through their hostVersion field.
const HostVersion = "1.2.0"

// SourceType identifies how a plugin artifact is obtained.
type SourceType string

const (
	// SourceBytecode is a JavaScript unit inside the module's resource tree.
	SourceBytecode SourceType = "bytecodeUnit"
	// SourceInstalled is a package resolved through the PackageRegistry.
	SourceInstalled SourceType = "installedPackage"
)

// Capability is the contract every plugin instance satisfies.
type Capability interface {
	Name() string
	Invoke(method string, args []any) (any, error)
}

// NativeBinder is implemented by capabilities that accept native libraries.
// BindNative receives the derived library name ("foo" for libfoo.so) and the
// path of the private copy.
type NativeBinder interface {
	BindNative(libName, libPath string) error
}

// Instance is a loaded plugin.
type Instance struct {
	ID               string
	Name             string
	ModuleID         string
	Source           SourceType
	Capability       Capability
	NativeRegistered bool
	NativeLibraries  []string

	cached bool
}

// Cached reports whether the instance is memoized in the loader cache.
func (i *Instance) Cached() bool {
	return i.cached
}

func closeCapability(c Capability) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
