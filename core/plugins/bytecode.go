package plugins

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/logging"
)

const bytecodeExt = ".js"

// consolePrinter routes console.* output of a unit into the host log.
type consolePrinter struct {
	class string
}

func (p consolePrinter) Log(s string) {
	logging.Debug("plugin_console", "class_name", p.class, "message", s)
}

func (p consolePrinter) Warn(s string) {
	logging.Warn("plugin_console", "class_name", p.class, "message", s)
}

func (p consolePrinter) Error(s string) {
	logging.Error("plugin_console", "class_name", p.class, "message", s)
}

func newScriptRuntime(className string) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{class: className}))
	registry.Enable(vm)
	console.Enable(vm)
	return vm
}

// loadBytecode evaluates the dependencies and entry unit of desc in a fresh
// runtime and instantiates desc.ClassName.
func loadBytecode(ctx context.Context, moduleDir string, desc Descriptor) (c Capability, err error) {
	entry, err := resolveUnit(moduleDir, desc.Path)
	if err != nil {
		return nil, apperrors.NewLoad(desc.ClassName, "resolve", err)
	}
	deps := slices.Clone(desc.Dependencies)
	slices.Sort(deps)
	units := make([]vpath.VirtualPath, 0, len(deps)+1)
	for _, dep := range deps {
		vp, err := resolveUnit(moduleDir, dep)
		if err != nil {
			return nil, apperrors.NewLoad(desc.ClassName, "resolve dependency", err)
		}
		units = append(units, vp)
	}
	units = append(units, entry)

	vm := newScriptRuntime(desc.ClassName)
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = apperrors.NewLoad(desc.ClassName, "evaluate", fmt.Errorf("panic: %v", r))
		}
	}()

	for _, unit := range units {
		src, err := os.ReadFile(unit.Path)
		if err != nil {
			return nil, apperrors.NewLoad(desc.ClassName, "read", apperrors.NewIO("read", unit.Requested, err))
		}
		prg, err := goja.Compile(unit.Requested, string(src), false)
		if err != nil {
			return nil, apperrors.NewLoad(desc.ClassName, "compile", err)
		}
		if _, err := vm.RunProgram(prg); err != nil {
			return nil, apperrors.NewLoad(desc.ClassName, "evaluate", err)
		}
	}

	ctor := lookupClass(vm, desc.ClassName)
	if ctor == nil {
		return nil, apperrors.NewLoad(desc.ClassName, "resolve class", apperrors.NewNotFound("class", desc.ClassName))
	}
	obj, err := vm.New(ctor)
	if err != nil {
		return nil, apperrors.NewLoad(desc.ClassName, "instantiate", err)
	}
	invoke, ok := goja.AssertFunction(obj.Get("invoke"))
	if !ok {
		return nil, apperrors.NewLoad(desc.ClassName, "instantiate",
			fmt.Errorf("%w: instance has no invoke function", apperrors.ErrCapability))
	}
	vm.ClearInterrupt()
	return &jsCapability{vm: vm, name: desc.ClassName, this: obj, invoke: invoke}, nil
}

func resolveUnit(moduleDir, requested string) (vpath.VirtualPath, error) {
	vp, err := vpath.Contain(moduleDir, requested)
	if err != nil {
		return vpath.VirtualPath{}, err
	}
	if !strings.EqualFold(vp.Ext(), bytecodeExt) {
		return vpath.VirtualPath{}, apperrors.NewUnsupported("bytecode unit", requested)
	}
	return vp, nil
}

// lookupClass walks a dotted class name ("com.example.Toast") from the global
// scope. It returns nil when any segment is missing.
func lookupClass(vm *goja.Runtime, className string) goja.Value {
	parts := strings.Split(className, ".")
	v := vm.Get(parts[0])
	for _, part := range parts[1:] {
		if isNullish(v) {
			return nil
		}
		obj, ok := v.(*goja.Object)
		if !ok {
			return nil
		}
		v = obj.Get(part)
	}
	if isNullish(v) {
		return nil
	}
	return v
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// jsCapability adapts a script object to Capability. A goja runtime is not
// safe for concurrent use so every call into it holds mu.
type jsCapability struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	name   string
	this   *goja.Object
	invoke goja.Callable
}

func (c *jsCapability) Name() string {
	return c.name
}

func (c *jsCapability) Invoke(method string, args []any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if args == nil {
		args = []any{}
	}
	v, err := c.invoke(c.this, c.vm.ToValue(method), c.vm.ToValue(args))
	if err != nil {
		return nil, fmt.Errorf("%s.invoke(%q): %w", c.name, method, err)
	}
	if isNullish(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// BindNative forwards to the script's bindNative function when it defines one.
func (c *jsCapability) BindNative(libName, libPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := goja.AssertFunction(c.this.Get("bindNative"))
	if !ok {
		return apperrors.NewUnsupported("native binding", c.name+" does not define bindNative")
	}
	_, err := fn(c.this, c.vm.ToValue(libName), c.vm.ToValue(libPath))
	return err
}

func (c *jsCapability) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := goja.AssertFunction(c.this.Get("close"))
	if !ok {
		return nil
	}
	_, err := fn(c.this)
	return err
}
