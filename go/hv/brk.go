package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

// BRK immediate reserved for guest to host calls, with the call id in x0.
const brkHypercall = 0x4242

// HypercallFunc services one guest hypercall. Returning true resumes the
// guest after the BRK.
type HypercallFunc func(h *HV, ctx *models.ExcInfo) (bool, error)

func (h *HV) AddHypercall(id uint64, fn HypercallFunc) {
	h.hypercalls[id] = fn
}

func (h *HV) handleBRK() (bool, error) {
	if models.ESR(h.ctx.ESR).ISS()&0xffff != brkHypercall {
		// a debug break the guest is expected to handle itself
		return h.LowerException()
	}
	id := h.ctx.Regs[0]
	fn, ok := h.hypercalls[id]
	if !ok {
		h.log.Warn().Msgf("undefined hypercall #%d", id)
		return false, nil
	}
	handled, err := fn(h, h.ctx)
	if err != nil {
		h.log.Error().Err(err).Msgf("hypercall #%d failed", id)
		return false, nil
	}
	if handled {
		h.ctx.ELR += 4
	}
	return handled, nil
}

// SPSR.M values
const (
	spsrModeMask = 0xf
	spsrEL0t     = 0b0000
	spsrEL1t     = 0b0100
	spsrEL1h     = 0b0101
)

// LowerException reflects the current synchronous fault into the guest's
// own EL1 vectors as if the hypervisor had never seen it.
func (h *HV) LowerException() (bool, error) {
	if h.exc == nil || h.exc.Reason != models.StartExceptionLower {
		h.log.Warn().Msg("cannot lower a non-fault exception")
		return false, nil
	}
	code := models.ExcType(h.exc.Code)
	if code != models.ExcSync && code != models.ExcSError {
		h.log.Warn().Msgf("cannot lower %s exception", code)
		return false, nil
	}
	ctx := h.ctx
	var off uint64
	switch ctx.SPSR & spsrModeMask {
	case spsrEL0t:
		off = 0x400
	case spsrEL1t:
	case spsrEL1h:
		off = 0x200
	default:
		h.log.Warn().Msgf("unknown exception level in SPSR 0x%x", ctx.SPSR)
		return false, nil
	}
	off += 0x80 * uint64(code)

	for _, w := range []struct {
		reg models.SysReg
		val uint64
	}{
		{models.ELR_EL12, ctx.ELR},
		{models.SPSR_EL12, ctx.SPSR},
		{models.ESR_EL12, ctx.ESR},
		{models.FAR_EL12, ctx.FAR},
	} {
		if err := h.WriteSysReg(w.reg, w.val); err != nil {
			return false, err
		}
	}
	vbar, err := h.ReadSysReg(models.VBAR_EL12)
	if err != nil {
		return false, errors.Wrap(err, "lower exception")
	}
	ctx.SPSR = ctx.SPSR&^spsrModeMask | spsrEL1h | models.SPSRDAIF
	ctx.ELR = vbar + off
	return true, nil
}
