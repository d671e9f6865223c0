package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

const (
	insnBranchMask = 0xfc000000
	insnBranch     = 0x14000000
	vbarSize       = 0x800
)

// synchronous and SError vectors of each of the four vector groups
var patchedVectors = []int{0, 3, 4, 7, 8, 11, 12, 15}

type vector struct {
	num    int
	target uint64
	ok     bool
}

func hvc(imm int) uint32 {
	return 0xd4000002 | uint32(imm&0xffff)<<5
}

// PatchVectors rewrites the guest's first level exception vectors into HVC
// calls so every guest exception is reported before it is taken. Only CPU 0
// patches; the table is shared.
func (h *HV) PatchVectors() error {
	if h.CPU() != 0 {
		return nil
	}
	vbar := h.wantVBAR
	if vbar == 0 {
		v, err := h.r.SysRegRead(models.VBAR_EL12, models.CallEL2)
		if err != nil {
			return errors.Wrap(err, "read VBAR_EL12")
		}
		vbar = v
	}
	if vbar == 0 || vbar == h.vbar {
		return nil
	}
	sctlr, err := h.r.SysRegRead(models.SCTLR_EL12, models.CallEL2)
	if err != nil {
		return errors.Wrap(err, "read SCTLR_EL12")
	}
	vbarPhys := vbar
	if sctlr&1 != 0 {
		if vbarPhys, err = h.r.Translate(vbar, false, false); err != nil {
			return errors.Wrap(err, "translate VBAR")
		}
	}
	if vbarPhys == 0 || (sctlr&1 == 0 && vbar&(1<<63) != 0) {
		// not reachable yet; keep the old table in place until it is
		h.log.Warn().Msgf("VBAR 0x%x not translatable yet", vbar)
		if h.vbar != 0 {
			h.wantVBAR = vbar
			return h.WriteSysReg(models.VBAR_EL12, h.vbar)
		}
		return nil
	}
	if h.wantVBAR != 0 {
		h.wantVBAR = 0
		if err := h.WriteSysReg(models.VBAR_EL12, vbar); err != nil {
			return err
		}
	}
	h.log.Info().Msgf("patching vectors at 0x%x (0x%x)", vbar, vbarPhys)

	for _, i := range patchedVectors {
		addr := vbarPhys + 0x80*uint64(i)
		orig, err := h.r.Read(addr, 2)
		if err != nil {
			return errors.Wrapf(err, "read vector %d", i)
		}
		idx := 0
		if orig&insnBranchMask != insnBranch {
			h.log.Warn().Msgf("vector #%d does not start with a branch: 0x%08x", i, orig)
		} else {
			idx = len(h.vectors)
			v := vector{num: i}
			if delta := orig & 0x3ffffff; delta != 0 {
				v.target = delta<<2 + vbar + 0x80*uint64(i)
				v.ok = true
			}
			h.vectors = append(h.vectors, v)
			h.log.Debug().Msgf("vector #%d -> 0x%x", i, v.target)
		}
		if err := h.r.Write(addr, uint64(hvc(idx)), 2); err != nil {
			return errors.Wrapf(err, "patch vector %d", i)
		}
	}
	if err := h.r.SyncICache(vbarPhys, vbarSize); err != nil {
		return errors.Wrap(err, "sync icache")
	}
	h.vbar = vbar
	return nil
}

// handleHVC relays an exception the guest was about to take through a
// patched vector: the guest continues at the original vector target and the
// host gets to look at it first.
func (h *HV) handleHVC() (bool, error) {
	idx := int(models.ESR(h.ctx.ESR).ISS() & 0xffff)
	if idx == 0 || idx >= len(h.vectors) {
		return false, nil
	}
	v := h.vectors[idx]
	if v.ok {
		h.ctx.ELR = v.target
		pa, err := h.r.Translate(v.target, false, false)
		if err != nil {
			return false, errors.Wrap(err, "translate vector target")
		}
		h.ctx.ElrPhys = pa
	} else {
		h.log.Warn().Msgf("EL1: exception #%d with no target", v.num)
	}

	if models.ExcType(v.num&3) != models.ExcSync {
		h.log.Info().Msgf("EL1: exception #%d (%s) -> 0x%x", v.num, models.ExcType(v.num&3), v.target)
		return v.ok, nil
	}
	var err error
	read := func(reg models.SysReg) uint64 {
		val, rerr := h.r.SysRegRead(reg, models.CallEL2)
		if rerr != nil && err == nil {
			err = rerr
		}
		return val
	}
	spsr, esr := read(models.SPSR_EL12), read(models.ESR_EL12)
	elr, far := read(models.ELR_EL12), read(models.FAR_EL12)
	spEL1 := read(models.SP_EL1)
	if err != nil {
		return false, errors.Wrap(err, "read guest exception state")
	}
	elrPhys, err := h.r.Translate(elr, false, false)
	if err != nil {
		return false, errors.Wrap(err, "translate ELR")
	}
	e := models.ESR(esr)
	h.log.Info().Msgf("EL1: exception #%d (EC 0x%x) to %s from EL%d", v.num, e.EC(), h.syms.Symbolicate(v.target), models.SPSR(spsr).EL())
	h.log.Info().Msgf("     ELR=%s (0x%x) FAR=0x%x SP_EL1=0x%x ESR=0x%x", h.syms.Symbolicate(elr), elrPhys, far, spEL1, esr)
	if elrPhys != 0 {
		h.printDisas(elrPhys-4*4, elr-4*4, 9, elr)
	}
	return v.ok, nil
}
