package hv

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

// HandleEvent dispatches one asynchronous event frame. Events are records of
// accesses that already happened, nothing is sent back to the monitor.
func (h *HV) HandleEvent(ev *models.Event) error {
	if h.evlog != nil {
		if err := h.evlog.Write(ev.Type, ev.Data); err != nil {
			h.log.Warn().Err(err).Msg("event log write failed")
		}
	}
	switch ev.Type {
	case models.EventMMIOTrace:
		var evt models.EvtMMIOTrace
		if err := models.Unpack(ev.Data, &evt); err != nil {
			return models.NewProtocolError("bad MMIO trace event: %v", err)
		}
		return h.handleMMIOTrace(&evt)
	case models.EventIRQTrace:
		var evt models.EvtIRQTrace
		if err := models.Unpack(ev.Data, &evt); err != nil {
			return models.NewProtocolError("bad IRQ trace event: %v", err)
		}
		return h.handleIRQTrace(&evt)
	}
	return models.NewProtocolError("unknown event type %d", ev.Type)
}

// handleMMIOTrace fans an async trace record out to every tracer at the
// address. A record for a range that should be trapping synchronously means
// the monitor and the registry disagree.
func (h *HV) handleMMIOTrace(evt *models.EvtMMIOTrace) error {
	ev := &models.MMIOEvent{Flags: evt.Flags, PC: evt.PC, Addr: evt.Addr, Data: evt.Data}
	var perr, failed error
	for _, t := range h.Tracers(evt.Addr) {
		if t.Mode > models.TraceWSync || (ev.Write() && t.Mode > models.TraceUnbuf) {
			h.log.Error().Str("ident", t.Ident).Msgf("async %s event at 0x%x but %s mapping expected", ev.Flags.Short(), ev.Addr, t.Mode)
			if perr == nil {
				perr = models.NewProtocolError("async event at 0x%x for %s tracer %s", ev.Addr, t.Mode, t.Ident)
			}
			continue
		}
		if t.Mode == models.TraceOff {
			continue
		}
		// an earlier callback may have changed the registry
		cur, ok := h.lookupTracer(evt.Addr, t.Ident)
		if !ok {
			continue
		}
		if err := h.observe(cur, ev); err != nil {
			h.log.Error().Err(err).Str("ident", cur.Ident).Msgf("tracer failed on %s", ev)
			if failed == nil {
				failed = err
			}
		}
	}
	if perr != nil {
		return perr
	}
	if failed != nil {
		return h.runAsyncShell(fmt.Sprintf("Exception in asynchronous context: %v", failed))
	}
	return nil
}

// guard runs one callback, turning a panic into an error so a broken
// tracer only costs its own event.
func guard(who string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s panicked: %v", who, r)
		}
	}()
	return errors.WithStack(fn())
}

func (h *HV) observe(t *Tracer, ev *models.MMIOEvent) error {
	var fn func(ev *models.MMIOEvent) error = t.Read
	if ev.Write() {
		fn = t.Write
	}
	if fn == nil {
		return nil
	}
	return guard("tracer "+t.Ident, func() error { return fn(ev) })
}

func (h *HV) readHookData() (*models.VMProxyHookData, error) {
	p, err := h.r.ReadMem(h.ctx.Data, models.Sizeof(&models.VMProxyHookData{}))
	if err != nil {
		return nil, errors.Wrap(err, "read hook data")
	}
	var data models.VMProxyHookData
	if err := models.Unpack(p, &data); err != nil {
		return nil, models.NewProtocolError("bad VM hook data: %v", err)
	}
	return &data, nil
}

func (h *HV) writeHookData(data *models.VMProxyHookData) error {
	p, err := models.Pack(data)
	if err != nil {
		return err
	}
	return errors.Wrap(h.r.WriteMem(h.ctx.Data, p), "write hook data")
}

// handleVMHook services one trapped access on a hooked range. Reads are
// satisfied by the HOOK producer or a proxied read, writes are shown to the
// observers first and then performed. The bool is false when a callback
// failed and the shell should take over.
func (h *HV) handleVMHook() (bool, error) {
	data, err := h.readHookData()
	if err != nil {
		return false, err
	}
	width := data.Flags.Width()
	if width > 6 {
		return false, models.NewProtocolError("VM hook with bad width %d at 0x%x", width, data.Addr)
	}
	if data.ID != 0 {
		return h.handleIndexedHook(data)
	}
	ts := h.Tracers(data.Addr)
	if len(ts) == 0 {
		return false, models.NewProtocolError("VM hook without a mapping at 0x%x", data.Addr)
	}
	dom := ts[0]
	mode := dom.Mode
	switch mode {
	case models.TraceHook, models.TraceSync, models.TraceWSync:
	default:
		return false, models.NewProtocolError("VM hook with unexpected %s mapping at 0x%x", mode, data.Addr)
	}

	words := data.Flags.Words()
	// index of the first observer; the HOOK producer does not observe itself
	first := 0
	handled := true
	if !data.Flags.Write() {
		if mode == models.TraceWSync {
			// only writes are hooked on a WSYNC range
			return false, models.NewProtocolError("VM hook read at 0x%x on a write-only hook mapping", data.Addr)
		}
		if mode == models.TraceHook && dom.HookRead == nil {
			mode = models.TraceSync
		}
		var vals []uint64
		if mode == models.TraceHook {
			err = guard("tracer "+dom.Ident, func() (err error) {
				vals, err = dom.HookRead(data.Addr, width)
				return err
			})
			if err != nil {
				h.log.Error().Err(err).Str("ident", dom.Ident).Msgf("hook read at 0x%x failed", data.Addr)
				return false, nil
			}
			first++
		} else {
			vals, err = h.proxyRead(data.Addr, width)
			if err != nil {
				return false, err
			}
		}
		if len(vals) < words {
			h.log.Error().Str("ident", dom.Ident).Msgf("hook read at 0x%x returned %d words, want %d", data.Addr, len(vals), words)
			return false, nil
		}
		copy(data.Data[:], vals[:words])
		if err := h.writeHookData(data); err != nil {
			return false, err
		}
	} else {
		if mode == models.TraceHook && dom.HookWrite == nil {
			mode = models.TraceSync
		}
		if mode == models.TraceHook {
			first++
		}
	}

	flags := data.Flags.WithCPU(h.CPU())
	if width > 3 {
		flags = flags.WithWidth(3).WithMulti(true)
	}
	for i := 0; i < words; i++ {
		ev := &models.MMIOEvent{Flags: flags, PC: h.ctx.ELR, Addr: data.Addr + 8*uint64(i), Data: data.Data[i]}
		for _, t := range ts[first:] {
			if err := h.observe(t, ev); err != nil {
				h.log.Error().Err(err).Str("ident", t.Ident).Msgf("tracer failed on %s", ev)
				handled = false
			}
		}
	}

	if data.Flags.Write() {
		vals := data.Data[:words]
		if mode == models.TraceHook {
			err := guard("tracer "+dom.Ident, func() error { return dom.HookWrite(data.Addr, vals, width) })
			if err != nil {
				h.log.Error().Err(err).Str("ident", dom.Ident).Msgf("hook write at 0x%x failed", data.Addr)
				return false, nil
			}
		} else if err := h.proxyWrite(data.Addr, vals, width); err != nil {
			return false, err
		}
	}
	return handled, nil
}

// vmHook is a producer mapped outside the tracer registry. The monitor
// reports its index back in the hook data.
type vmHook struct {
	r     rangemap.Range
	read  HookReadFunc
	write HookWriteFunc
}

// AddVMHook maps r straight to read and write and returns the hook index.
// The registry does not know about it: a tracer registered over the same
// range replaces the mapping on the next PTUpdate.
func (h *HV) AddVMHook(r rangemap.Range, read HookReadFunc, write HookWriteFunc) (int, error) {
	if r.Empty() {
		return 0, errors.Wrap(ErrEmptyRange, "vm hook")
	}
	if read == nil && write == nil {
		return 0, errors.Wrap(ErrNoCallback, "vm hook")
	}
	idx := len(h.vmHooks) + 1
	if idx > spteHookIdxMask {
		return 0, errors.Errorf("no VM hook index left for %s", r)
	}
	if err := h.mapHook(r.Start, r.Size(), idx, read != nil, write != nil, 0); err != nil {
		return 0, err
	}
	if err := h.r.Inst(insnTLBIVMALLS12E1IS); err != nil {
		return 0, errors.Wrap(err, "vm hook: tlb invalidate")
	}
	h.vmHooks = append(h.vmHooks, &vmHook{r: r, read: read, write: write})
	h.log.Debug().Int("index", idx).Stringer("range", r).Msg("add vm hook")
	return idx, nil
}

func (h *HV) handleIndexedHook(data *models.VMProxyHookData) (bool, error) {
	if int(data.ID) > len(h.vmHooks) {
		return false, models.NewProtocolError("VM hook with unknown id %d at 0x%x", data.ID, data.Addr)
	}
	hk := h.vmHooks[data.ID-1]
	width, words := data.Flags.Width(), data.Flags.Words()
	who := fmt.Sprintf("vm hook %d", data.ID)
	if data.Flags.Write() {
		if hk.write == nil {
			return false, models.NewProtocolError("%s has no write producer (0x%x)", who, data.Addr)
		}
		if err := guard(who, func() error { return hk.write(data.Addr, data.Data[:words], width) }); err != nil {
			h.log.Error().Err(err).Msgf("%s write at 0x%x failed", who, data.Addr)
			return false, nil
		}
		return true, nil
	}
	if hk.read == nil {
		return false, models.NewProtocolError("%s has no read producer (0x%x)", who, data.Addr)
	}
	var vals []uint64
	err := guard(who, func() (err error) {
		vals, err = hk.read(data.Addr, width)
		return err
	})
	if err != nil {
		h.log.Error().Err(err).Msgf("%s read at 0x%x failed", who, data.Addr)
		return false, nil
	}
	if len(vals) < words {
		h.log.Error().Msgf("%s read at 0x%x returned %d words, want %d", who, data.Addr, len(vals), words)
		return false, nil
	}
	copy(data.Data[:], vals[:words])
	return true, h.writeHookData(data)
}

// proxyRead performs the access on the real device. Wide accesses are
// split into 64-bit words.
func (h *HV) proxyRead(addr uint64, width int) ([]uint64, error) {
	if width <= 3 {
		v, err := h.r.Read(addr, width)
		if err != nil {
			return nil, errors.Wrapf(err, "proxied read at 0x%x", addr)
		}
		return []uint64{v}, nil
	}
	vals := make([]uint64, 1<<(width-3))
	for i := range vals {
		v, err := h.r.Read(addr+8*uint64(i), 3)
		if err != nil {
			return nil, errors.Wrapf(err, "proxied read at 0x%x", addr)
		}
		vals[i] = v
	}
	return vals, nil
}

func (h *HV) proxyWrite(addr uint64, vals []uint64, width int) error {
	if width <= 3 {
		return errors.Wrapf(h.r.Write(addr, vals[0], width), "proxied write at 0x%x", addr)
	}
	for i, v := range vals {
		if err := h.r.Write(addr+8*uint64(i), v, 3); err != nil {
			return errors.Wrapf(err, "proxied write at 0x%x", addr)
		}
	}
	return nil
}

// IRQFunc observes traced interrupts.
type IRQFunc func(evt *models.EvtIRQTrace) error

// TraceIRQ asks the monitor to report count interrupts starting at num.
func (h *HV) TraceIRQ(die, num, count int, flags uint32, fn IRQFunc) error {
	if fn != nil {
		for n := num; n < num+count; n++ {
			h.irqHooks[n] = append(h.irqHooks[n], fn)
		}
	}
	return errors.Wrap(h.r.TraceIRQ(die, num, count, flags), "trace irq")
}

func (h *HV) handleIRQTrace(evt *models.EvtIRQTrace) error {
	h.log.Debug().Msgf("IRQ type=%d num=%d flags=0x%x", evt.Type, evt.Num, evt.Flags)
	var failed error
	for _, fn := range h.irqHooks[int(evt.Num)] {
		if err := guard(fmt.Sprintf("irq hook %d", evt.Num), func() error { return fn(evt) }); err != nil {
			h.log.Error().Err(err).Msgf("irq hook for %d failed", evt.Num)
			if failed == nil {
				failed = err
			}
		}
	}
	if failed != nil {
		return h.runAsyncShell(fmt.Sprintf("Exception in asynchronous context: %v", failed))
	}
	return nil
}
