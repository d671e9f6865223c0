package hv

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/mock"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

const hookDataAddr = 0x30000

func mmioEvent(t *testing.T, write bool, addr, data uint64) *models.Event {
	t.Helper()
	p, err := models.Pack(&models.EvtMMIOTrace{
		Flags: models.NewMMIOFlags(write, 2).WithCPU(1),
		PC:    0xfffffe0000001000,
		Addr:  addr,
		Data:  data,
	})
	require.NoError(t, err)
	return &models.Event{Type: models.EventMMIOTrace, Data: p}
}

func TestAsyncMMIOTrace(t *testing.T) {
	h, _ := newTestHV(t, nil)
	var reads, writes eventLog
	rg := rangemap.R(0x1000, 0x100)
	require.NoError(t, h.AddTracer(rg, "a", models.TraceAsync, Callbacks{Read: reads.fn, Write: writes.fn}))
	require.NoError(t, h.AddTracer(rg, "off", models.TraceOff, Callbacks{Read: reads.fn}))

	require.NoError(t, h.HandleEvent(mmioEvent(t, false, 0x1010, 0xaa)))
	require.NoError(t, h.HandleEvent(mmioEvent(t, true, 0x1020, 0xbb)))
	require.Len(t, reads.events, 1, "OFF tracers never see events")
	require.Len(t, writes.events, 1)
	ev := reads.events[0]
	assert.Equal(t, uint64(0x1010), ev.Addr)
	assert.Equal(t, uint64(0xaa), ev.Data)
	assert.Equal(t, 1, ev.CPU())
	assert.Equal(t, 2, ev.Width())
	assert.True(t, writes.events[0].Write())
}

func TestAsyncEventOnSyncRange(t *testing.T) {
	h, _ := newTestHV(t, nil)
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "s", models.TraceSync, Callbacks{Read: log.fn}))
	err := h.HandleEvent(mmioEvent(t, false, 0x1000, 1))
	require.Error(t, err)
	assert.True(t, models.IsProtocolError(err))
	assert.Empty(t, log.events)
}

func TestAsyncWriteOnWSyncRange(t *testing.T) {
	h, _ := newTestHV(t, nil)
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "w", models.TraceWSync, Callbacks{Read: log.fn, Write: log.fn}))
	// reads of a WSYNC range are still reported asynchronously
	require.NoError(t, h.HandleEvent(mmioEvent(t, false, 0x1000, 1)))
	assert.Len(t, log.events, 1)
	assert.True(t, models.IsProtocolError(h.HandleEvent(mmioEvent(t, true, 0x1000, 1))))
}

func TestAsyncCallbackErrorIsContained(t *testing.T) {
	h, _ := newTestHV(t, nil)
	var log eventLog
	rg := rangemap.R(0x1000, 0x100)
	fail := func(ev *models.MMIOEvent) error { return errors.New("device model broke") }
	require.NoError(t, h.AddTracer(rg, "a", models.TraceAsync, Callbacks{Read: fail}))
	require.NoError(t, h.AddTracer(rg, "b", models.TraceAsync, Callbacks{Read: log.fn}))
	require.NoError(t, h.HandleEvent(mmioEvent(t, false, 0x1000, 1)))
	assert.Len(t, log.events, 1)
}

func TestAsyncCallbackPanicIsContained(t *testing.T) {
	h, _ := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	h.SetShell(shell)
	var log eventLog
	var seen map[uint64]bool
	rg := rangemap.R(0x1000, 0x100)
	bad := func(ev *models.MMIOEvent) error {
		seen[ev.Addr] = true
		return nil
	}
	require.NoError(t, h.AddTracer(rg, "a", models.TraceAsync, Callbacks{Read: bad}))
	require.NoError(t, h.AddTracer(rg, "b", models.TraceAsync, Callbacks{Read: log.fn}))

	require.NoError(t, h.HandleEvent(mmioEvent(t, false, 0x1000, 1)))
	assert.Len(t, log.events, 1, "other tracers still get the event")
	require.Len(t, shell.banners, 1)
	assert.Contains(t, shell.banners[0], "asynchronous context")
	assert.Contains(t, shell.banners[0], "panicked")
}

func TestAsyncCallbackErrorRunsShell(t *testing.T) {
	h, _ := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{StepOnce(), SwitchTo(1), Exit()}}
	h.SetShell(shell)
	fail := func(ev *models.MMIOEvent) error { return errors.New("device model broke") }
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "a", models.TraceAsync, Callbacks{Write: fail}))

	require.NoError(t, h.HandleEvent(mmioEvent(t, true, 0x1000, 1)))
	require.Len(t, shell.banners, 3)
	assert.Contains(t, shell.banners[0], "device model broke")
	assert.Contains(t, shell.banners[1], "needs a stopped CPU")
	assert.Contains(t, shell.banners[2], "needs a stopped CPU")
	assert.True(t, h.Exited())
}

func TestAsyncCallbackSeesRegistryChanges(t *testing.T) {
	h, _ := newTestHV(t, nil)
	var log eventLog
	rg := rangemap.R(0x1000, 0x100)
	// "a" runs first and removes "b"; b must not fire with a stale entry
	drop := func(ev *models.MMIOEvent) error {
		h.DelTracer(rg, "b")
		return nil
	}
	require.NoError(t, h.AddTracer(rg, "a", models.TraceAsync, Callbacks{Read: drop}))
	require.NoError(t, h.AddTracer(rg, "b", models.TraceAsync, Callbacks{Read: log.fn}))
	require.NoError(t, h.HandleEvent(mmioEvent(t, false, 0x1000, 1)))
	assert.Empty(t, log.events)
	assert.True(t, h.Dirty())
}

func TestEventBadType(t *testing.T) {
	h, _ := newTestHV(t, nil)
	assert.True(t, models.IsProtocolError(h.HandleEvent(&models.Event{Type: 99})))
}

func TestIRQHookFailureRunsShell(t *testing.T) {
	h, _ := newTestHV(t, nil)
	shell := &scriptedShell{cmds: []Command{Continue()}}
	h.SetShell(shell)
	require.NoError(t, h.TraceIRQ(0, 7, 1, 1, func(evt *models.EvtIRQTrace) error {
		panic("irq handler bug")
	}))
	p, err := models.Pack(&models.EvtIRQTrace{Flags: 1, Type: 1, Num: 7})
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(&models.Event{Type: models.EventIRQTrace, Data: p}))
	require.Len(t, shell.banners, 1)
	assert.Contains(t, shell.banners[0], "irq handler bug")
}

func TestIRQTrace(t *testing.T) {
	h, r := newTestHV(t, nil)
	var got []uint16
	require.NoError(t, h.TraceIRQ(0, 40, 2, 1, func(evt *models.EvtIRQTrace) error {
		got = append(got, evt.Num)
		return nil
	}))
	assert.Equal(t, 1, r.Count("trace_irq"))
	p, err := models.Pack(&models.EvtIRQTrace{Flags: 1, Type: 1, Num: 41})
	require.NoError(t, err)
	require.NoError(t, h.HandleEvent(&models.Event{Type: models.EventIRQTrace, Data: p}))
	assert.Equal(t, []uint16{41}, got)
}

func hookStop(t *testing.T, h *HV, r *mock.Remote, data *models.VMProxyHookData) {
	t.Helper()
	putHookData(t, r, hookDataAddr, data)
	stop(t, h, r, 0, &models.ExcInfo{ELR: 0xfffffe0000002000, Data: hookDataAddr})
}

func TestVMHookRead(t *testing.T) {
	h, r := newTestHV(t, nil)
	var obs, self eventLog
	rg := rangemap.R(0x1000, 0x100)
	read := func(addr uint64, width int) ([]uint64, error) {
		assert.Equal(t, uint64(0x1008), addr)
		assert.Equal(t, 2, width)
		return []uint64{0x1234}, nil
	}
	require.NoError(t, h.AddTracer(rg, "dev", models.TraceHook, Callbacks{HookRead: read, Read: self.fn}))
	require.NoError(t, h.AddTracer(rg, "obs", models.TraceAsync, Callbacks{Read: obs.fn}))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1008})
	r.Reset()

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, uint64(0x1234), getHookData(t, r, hookDataAddr).Data[0])
	assert.Equal(t, 0, r.Count("read"), "HOOK reads never touch the device")
	require.Len(t, obs.events, 1)
	assert.Equal(t, uint64(0x1234), obs.events[0].Data)
	assert.Equal(t, uint64(0xfffffe0000002000), obs.events[0].PC)
	assert.Empty(t, self.events, "the producer doesn't observe itself")
}

func TestVMHookReadDegradesToSync(t *testing.T) {
	h, r := newTestHV(t, nil)
	var log eventLog
	write := func(addr uint64, vals []uint64, width int) error { return nil }
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "dev", models.TraceHook, Callbacks{HookWrite: write, Read: log.fn}))
	require.NoError(t, r.Write(0x1000, 0xcafe, 2))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1000})

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, uint64(0xcafe), getHookData(t, r, hookDataAddr).Data[0])
	require.Len(t, log.events, 1)
	assert.Equal(t, uint64(0xcafe), log.events[0].Data)
}

func TestVMHookSyncWrite(t *testing.T) {
	h, r := newTestHV(t, nil)
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "s", models.TraceSync, Callbacks{Write: log.fn}))
	data := &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 2), Addr: 0x1004}
	data.Data[0] = 0x55
	hookStop(t, h, r, data)

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, log.events, 1)
	assert.True(t, log.events[0].Write())
	assert.Equal(t, uint64(0x55), log.events[0].Data)
	v, err := r.Read(0x1004, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55), v)
}

func TestVMHookWriteObserversFirst(t *testing.T) {
	h, r := newTestHV(t, nil)
	var order []string
	rg := rangemap.R(0x1000, 0x100)
	hookWrite := func(addr uint64, vals []uint64, width int) error {
		order = append(order, "device")
		return nil
	}
	observe := func(ev *models.MMIOEvent) error {
		order = append(order, "observer")
		return nil
	}
	require.NoError(t, h.AddTracer(rg, "dev", models.TraceHook, Callbacks{HookWrite: hookWrite}))
	require.NoError(t, h.AddTracer(rg, "obs", models.TraceWSync, Callbacks{Write: observe}))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 3), Addr: 0x1000})
	r.Reset()

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, []string{"observer", "device"}, order)
	assert.Equal(t, 0, r.Count("write"))
}

func TestVMHookWideAccess(t *testing.T) {
	h, r := newTestHV(t, nil)
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "s", models.TraceSync, Callbacks{Write: log.fn}))
	data := &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 4), Addr: 0x1010}
	data.Data[0], data.Data[1] = 0x11, 0x22
	hookStop(t, h, r, data)

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, log.events, 2)
	for i, ev := range log.events {
		assert.Equal(t, 3, ev.Width())
		assert.True(t, ev.Multi())
		assert.Equal(t, uint64(0x1010+8*i), ev.Addr)
	}
	assert.Equal(t, uint64(0x22), log.events[1].Data)
	assert.Equal(t, 2, r.Count("write"))
}

func TestVMHookCallbackFailureUnhandled(t *testing.T) {
	h, r := newTestHV(t, nil)
	read := func(addr uint64, width int) ([]uint64, error) { return nil, errors.New("no such register") }
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "dev", models.TraceHook, Callbacks{HookRead: read}))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1000})

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestVMHookWithoutMapping(t *testing.T) {
	h, r := newTestHV(t, nil)
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1000})
	_, err := h.handleVMHook()
	assert.True(t, models.IsProtocolError(err))
}

func TestVMHookWriteObserverOnHookTracer(t *testing.T) {
	h, r := newTestHV(t, nil)
	var log eventLog
	// HOOK without a write producer: the write is proxied and the tracer
	// still observes it
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "dev", models.TraceHook, Callbacks{Write: log.fn}))
	data := &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 2), Addr: 0x1008}
	data.Data[0] = 0x77
	hookStop(t, h, r, data)
	r.Reset()

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, log.events, 1)
	assert.Equal(t, uint64(0x77), log.events[0].Data)
	assert.Equal(t, 1, r.Count("write"))
}

func TestVMHookProducerPanic(t *testing.T) {
	h, r := newTestHV(t, nil)
	read := func(addr uint64, width int) ([]uint64, error) {
		var regs []uint64
		return []uint64{regs[addr-0x1000]}, nil
	}
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "dev", models.TraceHook, Callbacks{HookRead: read}))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1004})

	handled, err := h.handleVMHook()
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestVMHookReadOnWSync(t *testing.T) {
	h, r := newTestHV(t, nil)
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "w", models.TraceWSync, Callbacks{Write: log.fn}))
	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), Addr: 0x1000})
	_, err := h.handleVMHook()
	assert.True(t, models.IsProtocolError(err))
	assert.Empty(t, log.events)
}

func TestAddVMHook(t *testing.T) {
	h, r := newTestHV(t, nil)
	var wrote []uint64
	read := func(addr uint64, width int) ([]uint64, error) { return []uint64{addr + 1}, nil }
	write := func(addr uint64, vals []uint64, width int) error {
		wrote = append(wrote, vals...)
		return nil
	}
	_, err := h.AddVMHook(rangemap.R(0x5000, 0), read, nil)
	assert.ErrorIs(t, err, ErrEmptyRange)
	_, err = h.AddVMHook(rangemap.R(0x5000, 0x100), nil, nil)
	assert.ErrorIs(t, err, ErrNoCallback)

	ro, err := h.AddVMHook(rangemap.R(0x5000, 0x100), read, nil)
	require.NoError(t, err)
	rw, err := h.AddVMHook(rangemap.R(0x6000, 0x100), read, write)
	require.NoError(t, err)
	assert.Equal(t, 1, ro)
	assert.Equal(t, 2, rw)
	assert.Equal(t, []mock.MapCall{
		{IPA: 0x5000, PA: 1<<2 | sptePxyHookR, Size: 0x100},
		{IPA: 0x6000, PA: 2<<2 | sptePxyHookRW, Size: 0x100},
	}, r.Maps)
	assert.Equal(t, 2, r.Count("inst"))

	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 3), ID: uint32(ro), Addr: 0x5010})
	handled, err := h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, uint64(0x5011), getHookData(t, r, hookDataAddr).Data[0])

	data := &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 2), ID: uint32(rw), Addr: 0x6000}
	data.Data[0] = 0x99
	hookStop(t, h, r, data)
	handled, err = h.handleVMHook()
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, []uint64{0x99}, wrote)

	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(true, 2), ID: uint32(ro), Addr: 0x5000})
	_, err = h.handleVMHook()
	assert.True(t, models.IsProtocolError(err), "read-only hook written")

	hookStop(t, h, r, &models.VMProxyHookData{Flags: models.NewMMIOFlags(false, 2), ID: 9, Addr: 0x5000})
	_, err = h.handleVMHook()
	assert.True(t, models.IsProtocolError(err))
}
