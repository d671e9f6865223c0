package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/disas"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

// Load/store classes the monitor's software MMIO path can't emulate.
const (
	atomicMask    = 0x3b200c00
	atomicValue   = 0x38200000
	exclusiveMask = 0x3f000000
	exclusiveVal  = 0x08000000
)

func isAtomic(insn uint32) bool    { return insn&atomicMask == atomicValue }
func isExclusive(insn uint32) bool { return insn&exclusiveMask == exclusiveVal }

// handleDataAbort replays an atomic or exclusive access that hit a
// software mapped page: the page is mapped straight through for exactly one
// instruction and then put back the way the registry wants it.
func (h *HV) handleDataAbort() (bool, error) {
	raw, err := h.r.Read(h.ctx.ElrPhys, 2)
	if err != nil {
		return false, errors.Wrap(err, "read faulting instruction")
	}
	insn := uint32(raw)
	kind := "atomic"
	switch {
	case isAtomic(insn):
	case isExclusive(insn):
		kind = "exclusive"
	default:
		return false, nil
	}
	farPhys, err := h.r.Translate(h.ctx.FAR, true, false)
	if err != nil {
		return false, errors.Wrap(err, "translate FAR")
	}
	page := alignDown(farPhys)
	h.log.Warn().Msgf("%s fault @ 0x%x (%s), replaying on page 0x%x",
		kind, farPhys, disas.DecodeOne(insn, h.ctx.ELR), page)

	if err := h.mapHW(page, page, pageSize); err != nil {
		return false, err
	}
	elr := h.ctx.ELR
	if err := h.Step(); err != nil {
		return false, err
	}
	h.log.Debug().Msgf("replayed 0x%x -> 0x%x", elr, h.ctx.ELR)
	h.dirty.Set(rangemap.R(page, pageSize))
	if err := h.PTUpdate(); err != nil {
		return false, err
	}
	return true, nil
}
