package lua

import (
	"github.com/lunixbochs/luaish"

	"github.com/hvcorn/hvcorn/go/debug/cmd"
	"github.com/hvcorn/hvcorn/go/disas"
	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

func bindHV(L *LuaRepl) error {
	b := &hvbinding{L, L.h}
	L.SetGlobal("hv", L.SetFuncs(L.NewTable(), b.Exports()))

	modes := L.NewTable()
	for m := models.TraceOff; m <= models.TraceReserved; m++ {
		modes.RawSetString(m.String(), lua.LString(m.String()))
	}
	L.SetGlobal("mode", modes)
	return nil
}

type hvbinding struct {
	L *LuaRepl
	h *hv.HV
}

func (b *hvbinding) Exports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"read":    b.Read,
		"write":   b.Write,
		"vread":   b.VRead,
		"vwrite":  b.VWrite,
		"peek":    b.Peek,
		"poke":    b.Poke,
		"mrs":     b.MRS,
		"msr":     b.MSR,
		"xlate":   b.Translate,
		"dis":     b.Dis,
		"sym":     b.Sym,
		"addr":    b.Addr,
		"cpu":     b.CPU,
		"cpus":    b.CPUs,
		"trace":   b.Trace,
		"untrace": b.Untrace,
		"hook":    b.Hook,
		"vmhook":  b.VMHook,
		"brk":     b.Break,
		"hvcall":  b.Hypercall,
		"cmd":     b.Cmd,
	}
}

func (b *hvbinding) checkErr(err error) {
	if err != nil {
		b.L.RaiseError(err.Error())
	}
}

func (b *hvbinding) optWidth(L *lua.LState, n int) int {
	if L.GetTop() < n {
		return 3
	}
	return L.CheckInt(n)
}

func (b *hvbinding) Read(L *lua.LState) int {
	addr, size := L.CheckUint64(1), L.CheckInt(2)
	mem, err := b.h.Remote().ReadMem(addr, size)
	b.checkErr(err)
	L.Push(lua.LString(mem))
	return 1
}

func (b *hvbinding) Write(L *lua.LState) int {
	addr, data := L.CheckUint64(1), L.CheckString(2)
	b.checkErr(b.h.Remote().WriteMem(addr, []byte(data)))
	return 0
}

func (b *hvbinding) VRead(L *lua.LState) int {
	addr, size := L.CheckUint64(1), L.CheckInt(2)
	mem, err := b.h.ReadVirt(addr, size)
	b.checkErr(err)
	L.Push(lua.LString(mem))
	return 1
}

func (b *hvbinding) VWrite(L *lua.LState) int {
	addr, data := L.CheckUint64(1), L.CheckString(2)
	b.checkErr(b.h.WriteVirt(addr, []byte(data)))
	return 0
}

// Peek and Poke do one access of 1<<width bytes, 64 bits by default.
func (b *hvbinding) Peek(L *lua.LState) int {
	addr := L.CheckUint64(1)
	val, err := b.h.Remote().Read(addr, b.optWidth(L, 2))
	b.checkErr(err)
	L.Push(lua.LInt(val))
	return 1
}

func (b *hvbinding) Poke(L *lua.LState) int {
	addr, val := L.CheckUint64(1), L.CheckUint64(2)
	b.checkErr(b.h.Remote().Write(addr, val, b.optWidth(L, 3)))
	return 0
}

func (b *hvbinding) sysreg(L *lua.LState, n int) models.SysReg {
	reg, err := models.ParseSysReg(L.CheckString(n))
	b.checkErr(err)
	return reg
}

func (b *hvbinding) MRS(L *lua.LState) int {
	val, err := b.h.ReadSysReg(b.sysreg(L, 1))
	b.checkErr(err)
	L.Push(lua.LInt(val))
	return 1
}

func (b *hvbinding) MSR(L *lua.LState) int {
	reg, val := b.sysreg(L, 1), L.CheckUint64(2)
	b.checkErr(b.h.WriteSysReg(reg, val))
	return 0
}

func (b *hvbinding) Translate(L *lua.LState) int {
	pa, err := b.h.Translate(L.CheckUint64(1), false)
	b.checkErr(err)
	L.Push(lua.LInt(pa))
	return 1
}

// Dis returns a list of {addr, name, op_str, raw} tables.
func (b *hvbinding) Dis(L *lua.LState) int {
	addr, count := L.CheckUint64(1), L.CheckInt(2)
	mem, err := b.h.ReadVirt(addr, count*4)
	b.checkErr(err)
	out := L.NewTable()
	for i, ins := range disas.Decode(mem, addr) {
		t := L.NewTable()
		t.RawSetString("addr", lua.LInt(ins.Addr()))
		t.RawSetString("name", lua.LString(ins.Mnemonic()))
		t.RawSetString("op_str", lua.LString(ins.OpStr()))
		t.RawSetString("raw", lua.LInt(ins.Raw()))
		L.RawSetInt(out, i+1, t)
	}
	L.Push(out)
	return 1
}

func (b *hvbinding) Sym(L *lua.LState) int {
	L.Push(lua.LString(b.h.Symbols().Symbolicate(L.CheckUint64(1))))
	return 1
}

// Addr resolves a symbol or register name the way shell commands do.
func (b *hvbinding) Addr(L *lua.LState) int {
	addr, err := b.L.Commands.ParseAddr(L.CheckString(1))
	b.checkErr(err)
	L.Push(lua.LInt(addr))
	return 1
}

func (b *hvbinding) CPU(L *lua.LState) int {
	L.Push(lua.LInt(b.h.CPU()))
	return 1
}

func (b *hvbinding) CPUs(L *lua.LState) int {
	out := L.NewTable()
	for i, id := range b.h.StartedCPUs() {
		L.RawSetInt(out, i+1, lua.LInt(id))
	}
	L.Push(out)
	return 1
}

func (b *hvbinding) rangeMode(L *lua.LState) (rangemap.Range, models.TraceMode) {
	r := rangemap.R(L.CheckUint64(1), L.CheckUint64(2))
	mode, err := models.ParseTraceMode(L.CheckString(3))
	b.checkErr(err)
	return r, mode
}

func (b *hvbinding) Trace(L *lua.LState) int {
	r, mode := b.rangeMode(L)
	if L.GetTop() >= 4 {
		b.checkErr(b.h.TraceRangeNamed(r, L.CheckString(4), mode))
	} else {
		b.checkErr(b.h.TraceRange(r, mode))
	}
	return 0
}

func (b *hvbinding) Untrace(L *lua.LState) int {
	r := rangemap.R(L.CheckUint64(1), L.CheckUint64(2))
	if L.GetTop() >= 3 {
		b.h.DelTracer(r, L.CheckString(3))
	} else {
		b.h.UntraceRange(r)
	}
	return 0
}

func eventToLua(L *lua.LState, ev *models.MMIOEvent) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("addr", lua.LInt(ev.Addr))
	t.RawSetString("data", lua.LInt(ev.Data))
	t.RawSetString("pc", lua.LInt(ev.PC))
	t.RawSetString("width", lua.LInt(ev.Width()))
	t.RawSetString("cpu", lua.LInt(ev.CPU()))
	t.RawSetString("write", lua.LBool(ev.Write()))
	return t
}

// callback calls fn in protected mode and returns its first result.
func (b *hvbinding) callback(fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	L := b.L.LState
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

func (b *hvbinding) observer(fn lua.LValue) func(ev *models.MMIOEvent) error {
	return func(ev *models.MMIOEvent) error {
		_, err := b.callback(fn, eventToLua(b.L.LState, ev))
		return err
	}
}

// Hook registers a tracer with lua callbacks:
//
//	hv.hook(addr, size, mode, ident, {read=fn, write=fn})
//
// In HOOK mode read(addr, width) returns the value and write(addr, val,
// width) consumes it; otherwise both receive an event table.
func (b *hvbinding) Hook(L *lua.LState) int {
	r, mode := b.rangeMode(L)
	ident := L.CheckString(4)
	fns := L.CheckTable(5)
	read, write := fns.RawGetString("read"), fns.RawGetString("write")

	var cb hv.Callbacks
	if mode == models.TraceHook {
		cb.HookRead, cb.HookWrite = b.producers(read, write)
	} else {
		if read != lua.LNil {
			cb.Read = b.observer(read)
		}
		if write != lua.LNil {
			cb.Write = b.observer(write)
		}
	}
	b.checkErr(b.h.AddTracer(r, ident, mode, cb))
	return 0
}

// producers wraps lua functions as device producers: read(addr, width)
// returns the value, write(addr, val, width) consumes it.
func (b *hvbinding) producers(read, write lua.LValue) (hv.HookReadFunc, hv.HookWriteFunc) {
	var rfn hv.HookReadFunc
	var wfn hv.HookWriteFunc
	if read != lua.LNil {
		rfn = func(addr uint64, width int) ([]uint64, error) {
			v, err := b.callback(read, lua.LInt(addr), lua.LInt(width))
			if err != nil {
				return nil, err
			}
			n, _ := v.(lua.LInt)
			return []uint64{uint64(n)}, nil
		}
	}
	if write != lua.LNil {
		wfn = func(addr uint64, vals []uint64, width int) error {
			var val uint64
			if len(vals) > 0 {
				val = vals[0]
			}
			_, err := b.callback(write, lua.LInt(addr), lua.LInt(val), lua.LInt(width))
			return err
		}
	}
	return rfn, wfn
}

// VMHook maps a range straight to lua producers, outside the tracer
// registry, and returns the hook index:
//
//	hv.vmhook(addr, size, {read=fn, write=fn})
func (b *hvbinding) VMHook(L *lua.LState) int {
	r := rangemap.R(L.CheckUint64(1), L.CheckUint64(2))
	fns := L.CheckTable(3)
	read, write := b.producers(fns.RawGetString("read"), fns.RawGetString("write"))
	idx, err := b.h.AddVMHook(r, read, write)
	b.checkErr(err)
	L.Push(lua.LInt(idx))
	return 1
}

// Break arms a breakpoint; fn, if given, decides whether to keep running.
func (b *hvbinding) Break(L *lua.LState) int {
	addr := L.CheckUint64(1)
	var hook hv.BreakFunc
	if L.GetTop() >= 2 {
		fn := L.CheckFunction(2)
		hook = func(h *hv.HV, ctx *models.ExcInfo) (bool, error) {
			b.L.EnvToLua()
			ret, err := b.callback(fn)
			if err != nil {
				return false, err
			}
			b.L.EnvFromLua()
			return lua.LVAsBool(ret), nil
		}
	}
	idx, err := b.h.AddBreakpoint(addr, hook)
	b.checkErr(err)
	L.Push(lua.LInt(idx))
	return 1
}

// Hypercall services BRK #0x4242 calls with x0 == id. fn returns true to
// resume the guest.
func (b *hvbinding) Hypercall(L *lua.LState) int {
	id, fn := L.CheckUint64(1), L.CheckFunction(2)
	b.h.AddHypercall(id, func(h *hv.HV, ctx *models.ExcInfo) (bool, error) {
		b.L.EnvToLua()
		ret, err := b.callback(fn)
		if err != nil {
			return false, err
		}
		b.L.EnvFromLua()
		return lua.LVAsBool(ret), nil
	})
	return 0
}

func (b *hvbinding) Cmd(L *lua.LState) int {
	b.checkErr(cmd.Run(b.L.Commands, L.CheckString(1)))
	return 0
}
