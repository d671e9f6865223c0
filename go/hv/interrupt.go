package hv

import (
	"context"
	"sync/atomic"

	"github.com/hvcorn/hvcorn/go/models"
)

// Interrupter turns an asynchronous user interrupt (SIGINT) into a flag the
// dispatch loop polls at safe points. When the loop is blocked on the
// transport, the monitor is kicked so the guest stops and reports back.
type Interrupter struct {
	pending atomic.Bool
	kicked  atomic.Bool
	busy    atomic.Int32
	kick    func() error
}

func NewInterrupter(kick func() error) *Interrupter {
	return &Interrupter{kick: kick}
}

// Interrupt may be called from any goroutine.
func (i *Interrupter) Interrupt() error {
	i.pending.Store(true)
	if i.busy.Load() > 0 {
		return i.kickOnce()
	}
	return nil
}

// one kick per interrupt, the monitor answers each with an event
func (i *Interrupter) kickOnce() error {
	if i.kick == nil || !i.kicked.CompareAndSwap(false, true) {
		return nil
	}
	return i.kick()
}

func (i *Interrupter) Pending() bool {
	return i.pending.Load()
}

// Take clears the flag and reports whether it was set.
func (i *Interrupter) Take() bool {
	if i.pending.CompareAndSwap(true, false) {
		i.kicked.Store(false)
		return true
	}
	return false
}

func (i *Interrupter) enter() { i.busy.Add(1) }
func (i *Interrupter) leave() { i.busy.Add(-1) }

// Interrupt asks for the shell at the next safe point.
func (h *HV) Interrupt() error {
	return h.intr.Interrupt()
}

func (h *HV) recv(ctx context.Context) (models.Frame, error) {
	h.intr.enter()
	defer h.intr.leave()
	// an interrupt that raced with enter still needs the kick
	if h.intr.Pending() {
		if err := h.intr.kickOnce(); err != nil {
			return nil, err
		}
	}
	return h.r.Recv(ctx)
}
