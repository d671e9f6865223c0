package hv

import (
	"context"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/mock"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

func trap(r *mock.Remote, cpu int, reason models.StartReason, code uint32, ctx *models.ExcInfo) {
	r.PutContext(cpu, ctxAddr(cpu), ctx)
	r.Push(&models.Notification{Reason: reason, Code: code, Info: ctxAddr(cpu)})
}

func syncTrap(r *mock.Remote, ctx *models.ExcInfo) {
	trap(r, 0, models.StartExceptionLower, uint32(models.ExcSync), ctx)
}

// exits lists the values the guest was resumed with.
func exits(r *mock.Remote) []models.ExcResult {
	var ret []models.ExcResult
	for _, c := range r.Calls {
		if c.Op == "exit" {
			ret = append(ret, models.ExcResult(c.Args[0]))
		}
	}
	return ret
}

// run dispatches everything queued and expects the mock to run dry.
func run(t *testing.T, h *HV) {
	t.Helper()
	err := h.Run(context.Background())
	if h.Exited() {
		require.NoError(t, err)
		return
	}
	require.Error(t, err)
	require.Equal(t, io.EOF, errors.Cause(err), "%+v", err)
}

type scriptedShell struct {
	cmds    []Command
	banners []string
	onRun   func(h *HV)
}

func (s *scriptedShell) Run(h *HV, banner string) Command {
	s.banners = append(s.banners, banner)
	if s.onRun != nil {
		s.onRun(h)
	}
	cmd := s.cmds[0]
	s.cmds = s.cmds[1:]
	return cmd
}

func TestRunHandledTrap(t *testing.T) {
	h, r := newTestHV(t, nil)
	require.NoError(t, h.Init())
	ctx := &models.ExcInfo{ELR: 0x4000, ESR: esr(models.ECMSR, msrISS(models.SCTLR_EL1, 1, false))}
	ctx.Regs[1] = 0x1
	syncTrap(r, ctx)

	run(t, h)
	assert.Equal(t, uint64(0x4004), r.Context(0).ELR)
	assert.Equal(t, []models.ExcResult{models.ExcHandled}, exits(r))
	assert.Nil(t, h.Context())
	assert.Nil(t, h.Notification())
}

func TestRunUnhandledSkip(t *testing.T) {
	h, r := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Skip()}}
	h.SetShell(shell)
	syncTrap(r, &models.ExcInfo{ELR: 0x4000, ESR: esr(models.ECUnknown, 0)})

	run(t, h)
	require.Len(t, shell.banners, 1)
	assert.Contains(t, shell.banners[0], "Unhandled")
	assert.Equal(t, uint64(0x4004), r.Context(0).ELR)
	assert.Equal(t, []models.ExcResult{models.ExcHandled}, exits(r))
}

func TestRunMonitorExceptionGoesToShell(t *testing.T) {
	h, r := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	h.SetShell(shell)
	ctx := &models.ExcInfo{ELR: 0x1000, ESR: esr(models.ECMSR, msrISS(models.MDSCR_EL1, 2, false))}
	ctx.Regs[2] = 0x1234
	trap(r, 0, models.StartException, uint32(models.ExcSync), ctx)

	run(t, h)
	require.Len(t, shell.banners, 1)
	assert.Contains(t, shell.banners[0], "monitor")
	assert.Equal(t, uint64(0), h.sysreg.get(0, models.MDSCR_EL1), "not emulated as a guest trap")
	assert.Equal(t, uint64(0x1000), r.Context(0).ELR)
}

func TestRunShellExit(t *testing.T) {
	h, r := newTestHV(t, nil)
	h.SetShell(&scriptedShell{cmds: []Command{Exit()}})
	syncTrap(r, &models.ExcInfo{ESR: esr(models.ECUnknown, 0)})
	syncTrap(r, &models.ExcInfo{ESR: esr(models.ECUnknown, 0)})

	require.NoError(t, h.Run(context.Background()))
	assert.True(t, h.Exited())
	assert.Equal(t, []models.ExcResult{models.ExcExitGuest}, exits(r))
}

func TestRunNoShell(t *testing.T) {
	h, r := newTestHV(t, nil)
	syncTrap(r, &models.ExcInfo{ESR: esr(models.ECUnknown, 0)})
	err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no shell")
}

func TestRunUserInterrupt(t *testing.T) {
	h, r := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	h.SetShell(shell)
	require.NoError(t, h.Interrupt())
	assert.Equal(t, 0, r.Kicks(), "no kick while nothing is outstanding")
	trap(r, 0, models.StartHV, uint32(models.HvVTimer), &models.ExcInfo{})

	run(t, h)
	assert.Equal(t, []string{"Interrupted"}, shell.banners)
	assert.False(t, h.intr.Pending())
	assert.Equal(t, []models.ExcResult{models.ExcHandled}, exits(r))
}

func TestRunForcedShellEvents(t *testing.T) {
	for _, ev := range []models.HvEvent{models.HvUserInterrupt, models.HvWdtBark, models.HvPanic} {
		t.Run(ev.String(), func(t *testing.T) {
			h, r := newTestHV(t, nil)
			shell := &scriptedShell{cmds: []Command{Continue()}}
			h.SetShell(shell)
			trap(r, 0, models.StartHV, uint32(ev), &models.ExcInfo{})
			run(t, h)
			assert.Len(t, shell.banners, 1)
		})
	}
}

func TestRunBootIsFatal(t *testing.T) {
	h, r := newTestHV(t, nil)
	r.Push(&models.Notification{Reason: models.StartBoot})
	err := h.Run(context.Background())
	assert.True(t, models.IsProtocolError(err))
}

func TestRunFIQMasksTimer(t *testing.T) {
	h, r := newTestHV(t, nil)
	r.Sysregs[models.CNTV_CTL_EL0] = 5
	trap(r, 0, models.StartExceptionLower, uint32(models.ExcFIQ), &models.ExcInfo{})
	run(t, h)
	assert.Equal(t, uint64(0), r.Sysregs[models.CNTV_CTL_EL0])
	assert.Equal(t, []models.ExcResult{models.ExcHandled}, exits(r))
}

func TestRunShellSwitchesCPU(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	require.NoError(t, h.Init())
	r.PutContext(1, ctxAddr(1), &models.ExcInfo{ELR: 0x2000})
	h.started[1] = h.config.Target.CPUs[1]
	shell := &scriptedShell{cmds: []Command{SwitchTo(1), Continue()}}
	shell.onRun = func(h *HV) {
		if h.CPU() == 1 {
			h.Context().ELR = 0x2100
		}
	}
	h.SetShell(shell)
	trap(r, 0, models.StartHV, uint32(models.HvUserInterrupt), &models.ExcInfo{ELR: 0x1000})

	run(t, h)
	assert.Equal(t, []string{"User interrupt", "Switched to cpu 1"}, shell.banners)
	assert.Equal(t, uint64(0x2100), r.Context(1).ELR)
	// one resume to let cpu 0 go, one to run cpu 1
	assert.Equal(t, []models.ExcResult{models.ExcHandled, models.ExcHandled}, exits(r))
}

func TestRunShellCPUNotStarted(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	shell := &scriptedShell{cmds: []Command{SwitchTo(1), Continue()}}
	h.SetShell(shell)
	trap(r, 0, models.StartHV, uint32(models.HvUserInterrupt), &models.ExcInfo{})
	run(t, h)
	assert.Contains(t, shell.banners[1], "cpu not started")
	assert.Equal(t, 0, r.Count("switch_cpu"))
}

func TestRunCallbackErrorGoesToShell(t *testing.T) {
	h, r := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	h.SetShell(shell)
	h.AddHypercall(1, func(h *HV, ctx *models.ExcInfo) (bool, error) {
		return false, errors.New("bad arguments")
	})
	ctx := &models.ExcInfo{ELR: 0x3000, ESR: esr(models.ECBRK, brkHypercall)}
	ctx.Regs[0] = 1
	syncTrap(r, ctx)

	run(t, h)
	assert.Len(t, shell.banners, 1)
	assert.Equal(t, uint64(0x3000), r.Context(0).ELR)
}

func TestRunRegistryChangesApplied(t *testing.T) {
	h, r := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	shell.onRun = func(h *HV) {
		require.NoError(t, h.TraceRange(rangemap.R(0x200000000, 0x4000), models.TraceAsync))
	}
	h.SetShell(shell)
	trap(r, 0, models.StartHV, uint32(models.HvUserInterrupt), &models.ExcInfo{})
	run(t, h)
	require.Len(t, r.Maps, 1)
	assert.False(t, h.Dirty())
	// the tables were updated before the guest was resumed
	var mapAt, exitAt int
	for i, c := range r.Calls {
		switch c.Op {
		case "map":
			mapAt = i
		case "exit":
			exitAt = i
		}
	}
	assert.Less(t, mapAt, exitAt)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(models.NewProtocolError("bad")))
	assert.True(t, isFatal(errors.Wrap(io.EOF, "recv")))
	assert.True(t, isFatal(errors.WithStack(context.Canceled)))
	assert.False(t, isFatal(errors.Wrap(&models.RemoteError{Op: "read", Status: -1}, "read")))
	assert.False(t, isFatal(ErrCPUNotStarted))
	assert.False(t, isFatal(nil))
}
