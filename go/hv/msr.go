package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

// handleMSR emulates one trapped mrs/msr. Shadowed registers live in
// per-CPU host state, read-only registers drop writes, skipped registers
// read as zero, and everything else goes to the hardware through the EL12
// redirect table.
func (h *HV) handleMSR(iss uint64) (bool, error) {
	acc := models.DecodeMSR(iss)
	reg, cpu := acc.Reg, h.CPU()
	op := "msr"
	if acc.Read {
		op = "mrs"
	}
	log := h.log.Debug().Int("cpu", cpu).Str("op", op).Stringer("reg", reg).Int("rt", acc.Rt)

	var value uint64
	switch {
	case reg == models.CYC_OVRD_EL1 && !acc.Read:
		// never forwarded: the write would power off the core the
		// monitor runs on, not the guest's
		value = h.ctx.Reg(acc.Rt)
		log.Msgf("skip = 0x%x", value)

	case h.msr.shadow[reg]:
		if acc.Read {
			value = h.sysreg.get(cpu, reg)
			h.ctx.SetReg(acc.Rt, value)
		} else {
			value = h.ctx.Reg(acc.Rt)
			h.sysreg.set(cpu, reg, value)
		}
		log.Msgf("shadow = 0x%x", value)

	case h.msr.skip[reg] || (h.msr.readonly[reg] && !acc.Read):
		if acc.Read {
			h.ctx.SetReg(acc.Rt, 0)
		} else {
			value = h.ctx.Reg(acc.Rt)
		}
		log.Msgf("skip = 0x%x", value)

	default:
		target := h.msr.target(reg)
		if acc.Read {
			v, err := h.r.SysRegRead(target, models.CallEL2)
			if err != nil {
				return false, errors.Wrapf(err, "mrs %s", target)
			}
			value = v
			h.ctx.SetReg(acc.Rt, value)
		} else {
			value = h.ctx.Reg(acc.Rt)
			if h.msr.xlate[reg] {
				pa, err := h.r.Translate(value, true, false)
				if err != nil {
					return false, errors.Wrapf(err, "translate %s operand 0x%x", reg, value)
				}
				value = pa
			}
			if err := h.r.SysRegWrite(target, value, models.CallGL2); err != nil {
				return false, errors.Wrapf(err, "msr %s", target)
			}
		}
		log.Stringer("target", target).Msgf("pass = 0x%x", value)
	}

	h.ctx.ELR += 4

	if reg == models.CYC_OVRD_EL1 && !acc.Read && value&1 != 0 {
		h.log.Info().Int("cpu", cpu).Msg("core powered off")
		delete(h.started, cpu)
		if err := h.r.ExitCPU(); err != nil {
			return false, errors.Wrap(err, "exit cpu")
		}
	}
	return true, nil
}

// Apple reports some sysreg traps as IMPDEF exceptions with the MSR
// syndrome in AFSR1.
func (h *HV) handleImpdef() (bool, error) {
	if models.ESR(h.ctx.ESR).ISS() == models.ImpdefISSMSR {
		return h.handleMSR(h.ctx.AFSR1)
	}
	return false, nil
}
