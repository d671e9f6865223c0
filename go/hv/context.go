package hv

import (
	"bytes"
	"context"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

// loadContext makes the exception frame at addr the live context. A copy of
// the raw frame is kept so commit only writes back what changed.
func (h *HV) loadContext(addr uint64) error {
	p, err := h.r.ReadMem(addr, models.ExcInfoSize)
	if err != nil {
		return errors.Wrap(err, "load context")
	}
	ctx, err := models.UnpackExcInfo(p)
	if err != nil {
		return models.NewProtocolError("bad exception frame at 0x%x: %v", addr, err)
	}
	h.ctx, h.ctxAddr, h.ctxSaved = ctx, addr, p
	return nil
}

// commit writes the live context back if anything in it changed.
func (h *HV) commit() error {
	if h.ctx == nil {
		return nil
	}
	p, err := h.ctx.Pack()
	if err != nil {
		return err
	}
	if bytes.Equal(p, h.ctxSaved) {
		return nil
	}
	if err := h.r.WriteMem(h.ctxAddr, p); err != nil {
		return errors.Wrap(err, "commit context")
	}
	h.ctxSaved = p
	return nil
}

// Context is the live register frame of the CPU currently being handled.
// Changes are written back before the guest resumes.
func (h *HV) Context() *models.ExcInfo {
	return h.ctx
}

// CPU is the id of the CPU whose context is live.
func (h *HV) CPU() int {
	if h.ctx == nil {
		return 0
	}
	return int(h.ctx.CPUID)
}

// switchContext lets the current CPU go and blocks until the monitor hands
// over the next context, dispatching any asynchronous events on the way.
// The caller must already have told the monitor what should come next
// (a CPU switch, or a pinned single step).
func (h *HV) switchContext(ctx context.Context) error {
	if err := h.commit(); err != nil {
		return err
	}
	h.switching = true
	defer func() { h.switching = false }()
	if err := h.r.Exit(models.ExcHandled); err != nil {
		return errors.Wrap(err, "switch context")
	}
	for {
		f, err := h.recv(ctx)
		if err != nil {
			return errors.Wrap(err, "switch context")
		}
		switch f := f.(type) {
		case *models.Event:
			if err := h.HandleEvent(f); err != nil {
				return err
			}
		case *models.Notification:
			if f.Reason == models.StartBoot {
				return models.NewProtocolError("monitor rebooted during context switch")
			}
			if err := h.loadContext(f.Info); err != nil {
				return err
			}
			h.exc = f
			return nil
		default:
			return models.NewProtocolError("unexpected frame %T", f)
		}
	}
}
