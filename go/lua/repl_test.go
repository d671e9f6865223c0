package lua

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lunixbochs/luaish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/mock"
)

const ctxAddr = 0x10000

func newRepl(t *testing.T) (*LuaRepl, *hv.HV, *mock.Remote, *bytes.Buffer) {
	t.Helper()
	r := mock.New()
	cfg := models.DefaultConfig()
	cfg.Output = io.Discard
	var out bytes.Buffer
	h, err := hv.New(r, cfg, hv.Options{Output: &out})
	require.NoError(t, err)
	require.NoError(t, h.Init())
	repl, err := NewRepl(h, &out)
	require.NoError(t, err)
	t.Cleanup(repl.Close)
	return repl, h, r, &out
}

// stopped runs fn with the guest stopped on a user interrupt, then lets
// the guest resume with whatever the lua side asked for.
func stopped(t *testing.T, repl *LuaRepl, h *hv.HV, r *mock.Remote, ctx *models.ExcInfo, fn func()) {
	t.Helper()
	r.PutContext(0, ctxAddr, ctx)
	r.Push(&models.Notification{Reason: models.StartHV, Code: uint32(models.HvUserInterrupt), Info: ctxAddr})
	h.SetShell(hv.ShellFunc(func(h *hv.HV, banner string) hv.Command {
		fn()
		if repl.Commands.Resume != nil {
			return *repl.Commands.Resume
		}
		return hv.Continue()
	}))
	h.Run(context.Background())
}

func TestExecExpression(t *testing.T) {
	repl, _, _, out := newRepl(t)
	assert.False(t, repl.Exec([]string{"1 + 1"}))
	assert.Equal(t, "2\n", out.String())
}

func TestExecIncomplete(t *testing.T) {
	repl, _, _, out := newRepl(t)
	assert.True(t, repl.Exec([]string{"func f()"}))
	assert.False(t, repl.Exec([]string{"func f()", "return 7", "end"}))
	assert.False(t, repl.Exec([]string{"f()"}))
	assert.Equal(t, "7\n", out.String())
}

func TestRegisterGlobals(t *testing.T) {
	repl, h, r, out := newRepl(t)
	ctx := &models.ExcInfo{ELR: 0x8000}
	ctx.Regs[2] = 0x20
	stopped(t, repl, h, r, ctx, func() {
		repl.Exec([]string{"x1 = x2 + 0x35"})
		repl.Exec([]string{"pc"})
	})
	assert.Contains(t, out.String(), "0x8000")
	assert.Equal(t, uint64(0x55), r.Context(0).Regs[1])
}

func TestPeekPoke(t *testing.T) {
	repl, _, r, out := newRepl(t)
	repl.Exec([]string{"hv.poke(0x3000, 0x1122334455667788)"})
	repl.Exec([]string{"hv.peek(0x3000, 2)"})
	assert.Equal(t, "0x55667788\n", out.String())
	assert.Equal(t, 1, r.Count("write"))
}

func TestSysRegBindings(t *testing.T) {
	repl, _, r, _ := newRepl(t)
	repl.Exec([]string{"hv.msr('vbar_el1', 0x4000)"})
	assert.Equal(t, uint64(0x4000), r.Sysregs[models.VBAR_EL1])
}

func TestHookFromLua(t *testing.T) {
	repl, h, _, out := newRepl(t)
	repl.Exec([]string{
		"hv.hook(0x1000, 0x1000, mode.HOOK, 'lua', {",
		"    read = func(addr, width) return addr + width end,",
		"})",
	})
	require.Empty(t, out.String())
	ts := h.Tracers(0x1008)
	require.Len(t, ts, 1)
	assert.Equal(t, models.TraceHook, ts[0].Mode)
	require.NotNil(t, ts[0].HookRead)
	assert.Nil(t, ts[0].HookWrite)
	vals, err := ts[0].HookRead(0x1008, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x100a}, vals)
}

func TestVMHookFromLua(t *testing.T) {
	repl, _, r, out := newRepl(t)
	r.Reset()
	repl.Exec([]string{"idx = hv.vmhook(0x8000, 0x100, {read = func(addr, width) return 7 end})"})
	require.Empty(t, out.String())
	assert.Equal(t, lua.LInt(1), repl.GetGlobal("idx"))
	require.Len(t, r.Maps, 1)
	assert.Equal(t, uint64(0x8000), r.Maps[0].IPA)
}

func TestObserverFromLua(t *testing.T) {
	repl, h, _, _ := newRepl(t)
	repl.Exec([]string{"seen = 0"})
	repl.Exec([]string{"on('write', 0x2000, 0x100, func(ev) seen = ev.data end)"})
	ts := h.Tracers(0x2000)
	require.Len(t, ts, 1)
	require.NotNil(t, ts[0].Write)
	require.NoError(t, ts[0].Write(&models.MMIOEvent{Addr: 0x2000, Data: 0x99}))
	assert.Equal(t, lua.LInt(0x99), repl.GetGlobal("seen"))
}

func TestCmdResume(t *testing.T) {
	repl, h, r, _ := newRepl(t)
	stopped(t, repl, h, r, &models.ExcInfo{ELR: 0x8000}, func() {
		repl.Exec([]string{"cmd 'exit'"})
	})
	assert.True(t, h.Exited())
}

func TestDoScript(t *testing.T) {
	repl, _, _, out := newRepl(t)
	path := filepath.Join(t.TempDir(), "test.lua")
	require.NoError(t, os.WriteFile(path, []byte("print('hello from script')\n"), 0644))
	require.NoError(t, repl.DoScript(path))
	assert.Equal(t, "hello from script\n", out.String())
	assert.Error(t, repl.DoScript(filepath.Join(t.TempDir(), "missing.lua")))
}
