package inject

import (
	"encoding/json"
	"fmt"
	"html"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/FocuswithJustin/modhost/internal/cache"
	"github.com/FocuswithJustin/modhost/internal/logging"
)

// Script loads an external script.
func Script(target Target, src string) Fragment {
	return Fragment{
		Name:   "script:" + src,
		Target: target,
		Produce: func(Context) string {
			return fmt.Sprintf(`<script src="%s"></script>`, html.EscapeString(src))
		},
	}
}

// InternalScript loads a host-provided script, marked so content can tell it
// apart from its own.
func InternalScript(target Target, src string) Fragment {
	return Fragment{
		Name:   "internal-script:" + src,
		Target: target,
		Produce: func(Context) string {
			return fmt.Sprintf(`<script data-internal src="%s"></script>`, html.EscapeString(src))
		},
	}
}

// Stylesheet links a stylesheet into the head.
func Stylesheet(href string) Fragment {
	return Fragment{
		Name:   "stylesheet:" + href,
		Target: Head,
		Produce: func(Context) string {
			return fmt.Sprintf(`<link rel="stylesheet" href="%s">`, html.EscapeString(href))
		},
	}
}

// InlineScript embeds js verbatim.
func InlineScript(target Target, js string) Fragment {
	return Fragment{
		Name:   "inline",
		Target: target,
		Produce: func(Context) string {
			return "<script>" + js + "</script>"
		},
	}
}

// snippetData is what ConfigSnippet exposes to module scripts.
type snippetData struct {
	ModuleID  string `json:"moduleId"`
	Authority string `json:"authority"`
	Title     string `json:"title,omitempty"`
}

// ConfigSnippet publishes the module id and title from the current config
// document as window.__modhost__.
func ConfigSnippet() Fragment {
	return Fragment{
		Name:   "config-snippet",
		Target: Head,
		Produce: func(ctx Context) string {
			data := snippetData{
				ModuleID:  ctx.ModuleID,
				Authority: ctx.Authority,
				Title:     ctx.Config.String("title"),
			}
			// json.Marshal escapes <, > and & so the payload cannot close the tag.
			payload, err := json.Marshal(data)
			if err != nil {
				return ""
			}
			return fmt.Sprintf(`<script data-internal data-internal-configurable>window.__modhost__ = %s;</script>`, payload)
		},
	}
}

// declaredFragment is one entry of the "inject" config key.
type declaredFragment struct {
	Target string `json:"target"`
	Type   string `json:"type"`
	Value  string `json:"value"`
	When   string `json:"when"`
}

// conditionEnv is the environment `when` expressions run against.
type conditionEnv struct {
	Config   map[string]any `expr:"config"`
	Path     string         `expr:"path"`
	ModuleID string         `expr:"moduleId"`
}

type conditions struct {
	programs *cache.Cache[string, *vm.Program]
}

func newConditions() *conditions {
	return &conditions{programs: cache.New[string, *vm.Program](0)}
}

func (c *conditions) compile(code string) (*vm.Program, error) {
	if program, ok := c.programs.Get(code); ok {
		return program, nil
	}
	program, err := expr.Compile(code,
		expr.Env(conditionEnv{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	program, _ = c.programs.GetOrSet(code, program)
	return program, nil
}

// match evaluates code against ctx. Compile or runtime failures and
// non-boolean results count as false.
func (c *conditions) match(code string, ctx Context) bool {
	if code == "" {
		return true
	}
	program, err := c.compile(code)
	if err != nil {
		logging.Warn("inject condition rejected", "module_id", ctx.ModuleID, "when", code, "error", err)
		return false
	}
	result, err := expr.Run(program, conditionEnv{Config: ctx.Config, Path: ctx.Path, ModuleID: ctx.ModuleID})
	if err != nil {
		logging.Warn("inject condition failed", "module_id", ctx.ModuleID, "when", code, "error", err)
		return false
	}
	b, ok := result.(bool)
	return ok && b
}

// declared decodes the config's "inject" list into fragments whose
// conditions hold for ctx.
func (p *Pipeline) declared(ctx Context) []Fragment {
	raw, ok := ctx.Config["inject"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var entries []declaredFragment
	if err := json.Unmarshal(data, &entries); err != nil {
		logging.Warn("ignoring malformed inject list", "module_id", ctx.ModuleID, "error", err)
		return nil
	}

	var out []Fragment
	for _, e := range entries {
		if e.Value == "" || !p.conditions.match(e.When, ctx) {
			continue
		}
		target := Head
		if e.Target == "body" {
			target = Body
		}
		switch e.Type {
		case "script", "":
			out = append(out, Script(target, e.Value))
		case "style":
			f := Stylesheet(e.Value)
			f.Target = target
			out = append(out, f)
		case "inline":
			out = append(out, InlineScript(target, e.Value))
		default:
			logging.Warn("unknown inject fragment type", "module_id", ctx.ModuleID, "type", e.Type)
		}
	}
	return out
}
