package hv

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

// DBGBCR: enabled, match at EL0 and EL1, all four bytes of the instruction
const dbgbcrEnable = 1<<0 | 0b11<<1 | 0xf<<5

// DBGWCR load/store control
const (
	WatchLoad  = 0b01
	WatchStore = 0b10
	WatchRW    = WatchLoad | WatchStore
)

// BreakFunc runs when a breakpoint or watchpoint fires. Returning false
// drops into the shell.
type BreakFunc func(h *HV, ctx *models.ExcInfo) (bool, error)

type hwBreakpoint struct {
	addr uint64
	hook BreakFunc
}

type watchpoint struct {
	addr    uint64
	control uint64
	// region the hardware actually matches
	lo, hi  uint64
	hook    BreakFunc
}

// watchControl builds DBGWCR for a naturally aligned power of two region.
// Up to 8 bytes use the byte select field, larger regions use MASK.
func watchControl(addr, size uint64, lsc int) (uint64, uint64, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, 0, errors.Errorf("watchpoint size 0x%x is not a power of two", size)
	}
	ctl := uint64(1) | 0b11<<1 | uint64(lsc&3)<<3
	if size <= 8 {
		if addr&7+size > 8 {
			return 0, 0, errors.Errorf("watchpoint 0x%x+%d crosses a doubleword", addr, size)
		}
		bas := (uint64(1)<<size - 1) << (addr & 7)
		return addr &^ 7, ctl | bas<<5, nil
	}
	if addr&(size-1) != 0 {
		return 0, 0, errors.Errorf("watchpoint 0x%x is not aligned to its size 0x%x", addr, size)
	}
	mask := uint64(bits.TrailingZeros64(size))
	if mask > 31 {
		return 0, 0, errors.Errorf("watchpoint size 0x%x too large", size)
	}
	return addr, ctl | 0xff<<5 | mask<<24, nil
}

// onAllCPUs runs fn on every started CPU and comes back to the current one.
func (h *HV) onAllCPUs(fn func() error) error {
	orig := h.CPU()
	err := h.ForEachCPU(func(int) error { return fn() })
	if serr := h.SwitchCPU(orig); err == nil {
		err = serr
	}
	return err
}

// AddBreakpoint arms a hardware breakpoint at the guest virtual address
// addr on every started CPU.
func (h *HV) AddBreakpoint(addr uint64, hook BreakFunc) (int, error) {
	idx := -1
	for i, bp := range h.bps {
		if bp == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, errors.New("no free hardware breakpoints")
	}
	err := h.onAllCPUs(func() error {
		if err := h.WriteSysReg(models.DBGBCR_EL1(idx), dbgbcrEnable); err != nil {
			return err
		}
		if err := h.WriteSysReg(models.DBGBVR_EL1(idx), addr); err != nil {
			return err
		}
		return h.WriteSysReg(models.MDSCR_EL1, mdscrMDE)
	})
	if err != nil {
		return -1, err
	}
	h.bps[idx] = &hwBreakpoint{addr: addr, hook: hook}
	h.log.Info().Msgf("breakpoint %d at %s", idx, h.syms.Symbolicate(addr))
	return idx, nil
}

func (h *HV) RemoveBreakpoint(addr uint64) error {
	for i, bp := range h.bps {
		if bp == nil || bp.addr != addr {
			continue
		}
		h.bps[i] = nil
		return h.onAllCPUs(func() error {
			if err := h.WriteSysReg(models.DBGBCR_EL1(i), 0); err != nil {
				return err
			}
			return h.WriteSysReg(models.DBGBVR_EL1(i), 0)
		})
	}
	return errors.Errorf("no breakpoint at 0x%x", addr)
}

// BreakAt arms a breakpoint described as 0xaddr, sym or sym+off. While the
// guest runs there is no CPU to program, so it waits for the next stop.
func (h *HV) BreakAt(desc string) error {
	bp, err := models.ParseBreakpoint(desc)
	if err != nil {
		return errors.Wrapf(err, "breakpoint %q", desc)
	}
	// resolve now so a bad symbol fails at the call site
	addr, err := bp.Resolve(h.syms)
	if err != nil {
		return err
	}
	if h.ctx == nil {
		h.deferredBPs = append(h.deferredBPs, bp)
		return nil
	}
	_, err = h.AddBreakpoint(addr, nil)
	return err
}

func (h *HV) armDeferred() {
	bps := h.deferredBPs
	h.deferredBPs = nil
	for _, bp := range bps {
		addr, err := bp.Resolve(h.syms)
		if err == nil {
			_, err = h.AddBreakpoint(addr, nil)
		}
		if err != nil {
			h.log.Error().Err(err).Msgf("breakpoint %s", bp.Desc)
		}
	}
}

// AddHook runs fn each time the guest executes addr. Hooks share the
// hardware breakpoint slots.
func (h *HV) AddHook(addr uint64, fn BreakFunc) error {
	_, err := h.AddBreakpoint(addr, fn)
	return err
}

// ClearHooks disarms every breakpoint, hooked or not.
func (h *HV) ClearHooks() error {
	for _, bp := range h.bps {
		if bp != nil {
			if err := h.RemoveBreakpoint(bp.addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// Breakpoints lists armed breakpoint addresses by slot, 0 for a free slot.
func (h *HV) Breakpoints() []uint64 {
	ret := make([]uint64, len(h.bps))
	for i, bp := range h.bps {
		if bp != nil {
			ret[i] = bp.addr
		}
	}
	return ret
}

// AddWatchpoint arms a hardware watchpoint over size bytes at addr.
func (h *HV) AddWatchpoint(addr, size uint64, lsc int, hook BreakFunc) (int, error) {
	base, ctl, err := watchControl(addr, size, lsc)
	if err != nil {
		return -1, err
	}
	idx := -1
	for i, wp := range h.wps {
		if wp == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, errors.New("no free hardware watchpoints")
	}
	err = h.onAllCPUs(func() error {
		if err := h.WriteSysReg(models.DBGWCR_EL1(idx), ctl); err != nil {
			return err
		}
		if err := h.WriteSysReg(models.DBGWVR_EL1(idx), base); err != nil {
			return err
		}
		return h.WriteSysReg(models.MDSCR_EL1, mdscrMDE)
	})
	if err != nil {
		return -1, err
	}
	h.wps[idx] = &watchpoint{addr: addr, control: ctl, lo: base, hi: base + max(size, 8), hook: hook}
	h.log.Info().Msgf("watchpoint %d at 0x%x [0x%x]", idx, addr, size)
	return idx, nil
}

func (h *HV) RemoveWatchpoint(addr uint64) error {
	for i, wp := range h.wps {
		if wp == nil || wp.addr != addr {
			continue
		}
		h.wps[i] = nil
		return h.onAllCPUs(func() error {
			if err := h.WriteSysReg(models.DBGWCR_EL1(i), 0); err != nil {
				return err
			}
			return h.WriteSysReg(models.DBGWVR_EL1(i), 0)
		})
	}
	return errors.Errorf("no watchpoint at 0x%x", addr)
}

// armStep makes the next guest instruction trap back with a single step
// exception.
func (h *HV) armStep() error {
	if err := h.WriteSysReg(models.MDSCR_EL1, mdscrSS|mdscrMDE); err != nil {
		return err
	}
	h.ctx.SPSR |= models.SPSRSS
	return nil
}

// rearm undoes what a breakpoint or watchpoint hit disabled.
func (h *HV) rearm() error {
	// with SS still set eret would trap again before executing anything
	if err := h.WriteSysReg(models.MDSCR_EL1, mdscrMDE); err != nil {
		return err
	}
	for i, bp := range h.bps {
		if bp != nil {
			if err := h.WriteSysReg(models.DBGBCR_EL1(i), dbgbcrEnable); err != nil {
				return err
			}
		}
	}
	for i, wp := range h.wps {
		if wp != nil {
			if err := h.WriteSysReg(models.DBGWCR_EL1(i), wp.control); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *HV) handleStep() (bool, error) {
	return true, h.rearm()
}

func (h *HV) handleBreak() (bool, error) {
	// disarm everything so the guest can get past the breakpoint
	for i := 0; i < numBreakpoints; i++ {
		if err := h.WriteSysReg(models.DBGBCR_EL1(i), 0); err != nil {
			return false, err
		}
	}
	if err := h.armStep(); err != nil {
		return false, err
	}
	for _, bp := range h.bps {
		if bp != nil && bp.addr == h.ctx.ELR && bp.hook != nil {
			return bp.hook(h, h.ctx)
		}
	}
	h.log.Info().Msgf("breakpoint hit at %s", h.syms.Symbolicate(h.ctx.ELR))
	return false, nil
}

func (h *HV) handleWatch() (bool, error) {
	for i := 0; i < numWatchpoints; i++ {
		if err := h.WriteSysReg(models.DBGWCR_EL1(i), 0); err != nil {
			return false, err
		}
	}
	if err := h.armStep(); err != nil {
		return false, err
	}
	far := h.ctx.FAR
	for _, wp := range h.wps {
		if wp == nil {
			continue
		}
		if far >= wp.lo && far < wp.hi {
			if wp.hook != nil {
				return wp.hook(h, h.ctx)
			}
			break
		}
	}
	h.log.Info().Msgf("watchpoint hit at 0x%x, pc %s", far, h.syms.Symbolicate(h.ctx.ELR))
	return false, nil
}

// Step executes exactly one guest instruction on the current CPU and makes
// the resulting context live.
func (h *HV) Step() error {
	if h.ctx == nil {
		return errors.New("no live context")
	}
	if err := h.armStep(); err != nil {
		return err
	}
	cpu := h.CPU()
	if err := h.r.PinCPU(uint64(cpu)); err != nil {
		return errors.Wrap(err, "pin cpu")
	}
	err := h.switchContext(h.runCtx)
	if perr := h.r.PinCPU(^uint64(0)); err == nil {
		err = errors.Wrap(perr, "unpin cpu")
	}
	if err != nil {
		return err
	}
	h.ctx.SPSR &^= models.SPSRSS
	return h.rearm()
}
