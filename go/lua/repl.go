package lua

import (
	"fmt"
	"io"
	"strings"

	"github.com/lunixbochs/luaish"
	"github.com/lunixbochs/luaish/parse"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"github.com/hvcorn/hvcorn/go/debug/cmd"
	"github.com/hvcorn/hvcorn/go/disas"
	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
)

// LuaRepl is a lua state bound to a hypervisor session. Register globals
// mirror the live context while a chunk runs.
type LuaRepl struct {
	*lua.LState
	h *hv.HV
	io.Writer

	// Commands runs hv.cmd(); resume requests land in its Resume field.
	Commands *cmd.Context

	preRegs []models.RegVal
}

// NewRepl returns a lua repl bound to h. init.lish from the user config dir
// runs once on startup.
func NewRepl(h *hv.HV, o io.Writer) (*LuaRepl, error) {
	repl := &LuaRepl{
		LState: lua.NewState(),
		h:      h,
		Writer: o,
	}
	repl.Commands = &cmd.Context{Writer: o, H: h, Script: repl.DoScript}
	if err := repl.loadBindings(); err != nil {
		return nil, errors.Wrap(err, "failed to load repl bindings")
	}
	configDirs := configdir.New("hvcorn", "lua")
	for _, config := range configDirs.QueryFolders(configdir.All) {
		if data, err := config.ReadFile("init.lish"); err == nil {
			if err := repl.DoString(string(data)); err != nil {
				repl.Printf("error while reading init.lish: %v\n", err)
			}
		}
	}
	return repl, nil
}

func (L *LuaRepl) SetOutput(w io.Writer) {
	L.Writer = w
	L.Commands.Writer = w
}

// EnvToLua publishes the live context as lua globals.
func (L *LuaRepl) EnvToLua() {
	ctx := L.h.Context()
	L.SetGlobal("cpu", lua.LInt(L.h.CPU()))
	if ctx == nil {
		L.preRegs = nil
		return
	}
	L.preRegs = ctx.RegDump()
	for _, r := range L.preRegs {
		L.SetGlobal(r.Name, lua.LInt(r.Val))
	}
	L.SetGlobal("lr", lua.LInt(ctx.LR()))
	L.SetGlobal("sp", lua.LInt(ctx.GuestSP()))
	if ctx.ElrPhys != 0 {
		if mem, err := L.h.Remote().ReadMem(ctx.ElrPhys, 4); err == nil {
			ins := disas.Decode(mem, ctx.ELR)
			if len(ins) > 0 {
				L.SetGlobal("ins", lua.LString(ins[0].String()))
			}
		}
	}
}

// EnvFromLua writes register globals that a chunk changed back into the
// live context.
func (L *LuaRepl) EnvFromLua() {
	ctx := L.h.Context()
	if ctx == nil || L.preRegs == nil {
		return
	}
	for _, r := range L.preRegs {
		v := L.GetGlobal(r.Name)
		if val, ok := v.(lua.LInt); !ok {
			L.Printf("could not restore %s: bad type: %v\n", r.Name, v)
		} else if uint64(val) != r.Val {
			ctx.SetRegVal(r.Enum, uint64(val))
		}
	}
}

func (L *LuaRepl) postRun(lv []lua.LValue) {
	// a lone function result is called, so `regs` works like `regs()`
	if len(lv) == 1 && lv[0].Type() == lua.LTFunction {
		if lv2, err := L.call(lv[0].(*lua.LFunction)); err != nil {
			L.Println(err)
			lv = nil
		} else {
			lv = lv2
		}
	}

	if len(lv) == 1 && lv[0] == lua.LNil {
	} else if len(lv) > 0 {
		L.PrettyPrint(lv, true)
	}

	switch len(lv) {
	case 0:
		L.SetGlobal("_", lua.LNil)
	case 1:
		L.SetGlobal("_", lv[0])
	default:
		tmp := L.NewTable()
		for i, v := range lv {
			L.RawSetInt(tmp, i+1, v)
		}
		L.SetGlobal("_", tmp)
	}
	L.EnvFromLua()
}

func (L *LuaRepl) loadstring(lines []string, recurse bool) (*lua.LFunction, error, bool) {
	code := strings.Join(lines, "\n")
	if len(lines) == 1 && recurse {
		code = "return " + code
	}
	fn, err := L.LoadString(code)
	if err == nil {
		return fn, nil, false
	}
	if lerr, ok := err.(*lua.ApiError); ok {
		if perr, ok := lerr.Cause.(*parse.Error); ok {
			if perr.Pos.Line == parse.EOF {
				return nil, err, true
			} else if recurse {
				// not an expression, try it as a statement
				return L.loadstring(lines, false)
			}
		}
	}
	return nil, err, false
}

// Exec runs a chunk, returning true if more input is needed. Errors are
// printed.
func (L *LuaRepl) Exec(lines []string) bool {
	if len(lines) == 0 {
		return true
	}
	fn, err, incomplete := L.loadstring(lines, true)
	if incomplete {
		return true
	}
	if err != nil {
		L.Println(err)
		return false
	}
	L.EnvToLua()
	lv, err := L.call(fn)
	if err != nil {
		L.Println(err)
	}
	L.postRun(lv)
	return false
}

// DoScript runs a script file against the live context.
func (L *LuaRepl) DoScript(path string) error {
	L.EnvToLua()
	if err := L.DoFile(path); err != nil {
		return errors.Wrapf(err, "script %s", path)
	}
	L.EnvFromLua()
	return nil
}

func (L *LuaRepl) getArgs() []lua.LValue {
	lv := make([]lua.LValue, L.GetTop())
	for i := range lv {
		lv[i] = L.CheckAny(i + 1)
	}
	return lv
}

func (L *LuaRepl) call(fn *lua.LFunction) ([]lua.LValue, error) {
	L.SetTop(0)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, err
	}
	return L.getArgs(), nil
}

func (L *LuaRepl) Printf(f string, arg ...interface{}) {
	fmt.Fprintf(L, f, arg...)
}

func (L *LuaRepl) Println(arg ...interface{}) {
	fmt.Fprintln(L, arg...)
}
