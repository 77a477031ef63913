package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// LuaTool runs a script that defines a global function run(args). The
// function returns either a string (the output) or a table with output
// and error fields.
type LuaTool struct {
	name        string
	description string
	params      map[string]any
	script      string
}

func NewLuaTool(name, description, scriptPath string, params map[string]any) (*LuaTool, error) {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("lua tool %q: %w", name, err)
	}
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &LuaTool{name: name, description: description, params: params, script: abs}, nil
}

func (t *LuaTool) Name() string               { return t.name }
func (t *LuaTool) Description() string        { return t.description }
func (t *LuaTool) Parameters() map[string]any { return t.params }

// Run executes the script in a fresh interpreter. The interpreter is
// bound to ctx so the guard's deadline interrupts long-running scripts.
func (t *LuaTool) Run(ctx context.Context, args map[string]any) (string, error) {
	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	// Allow os.getenv so scripts can read configuration from the environment.
	L.PreloadModule("os", osModuleLoader)

	if err := L.DoFile(t.script); err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}

	fn := L.GetGlobal("run")
	if fn.Type() == lua.LTNil {
		return "", fmt.Errorf("script must define global function run(args)")
	}
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("run must be a function, got %s", fn.Type().String())
	}

	L.Push(fn)
	L.Push(toLua(L, args))
	if err := L.PCall(1, 1, nil); err != nil {
		return "", fmt.Errorf("run(): %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch ret.Type() {
	case lua.LTString, lua.LTNumber:
		return ret.String(), nil
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		if e := tbl.RawGetString("error"); e.Type() == lua.LTString && e.String() != "" {
			return "", fmt.Errorf("%s", e.String())
		}
		out := tbl.RawGetString("output")
		if out.Type() == lua.LTNil {
			return "", nil
		}
		return out.String(), nil
	default:
		return "", fmt.Errorf("run() must return string or table { output, error }, got %s", ret.Type().String())
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		tbl := L.NewTable()
		for _, item := range x {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range x {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	L.Push(mod)
	return 1
}
