package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

const (
	numBreakpoints = 5
	numWatchpoints = 4
)

// MDSCR_EL1 bits
const (
	mdscrSS  = 1 << 0
	mdscrMDE = 1 << 15
)

// msrPolicy decides what happens to a trapped guest system register access.
type msrPolicy struct {
	shadow   map[models.SysReg]bool
	readonly map[models.SysReg]bool
	skip     map[models.SysReg]bool
	xlate    map[models.SysReg]bool
	// EL1 accesses from the guest land on the EL12 aliases at EL2
	redirect map[models.SysReg]models.SysReg
}

var defaultRedirects = map[models.SysReg]models.SysReg{
	models.SCTLR_EL1:      models.SCTLR_EL12,
	models.CPACR_EL1:      models.CPACR_EL12,
	models.TTBR0_EL1:      models.TTBR0_EL12,
	models.TTBR1_EL1:      models.TTBR1_EL12,
	models.TCR_EL1:        models.TCR_EL12,
	models.SPSR_EL1:       models.SPSR_EL12,
	models.ELR_EL1:        models.ELR_EL12,
	models.AFSR0_EL1:      models.AFSR0_EL12,
	models.AFSR1_EL1:      models.AFSR1_EL12,
	models.ESR_EL1:        models.ESR_EL12,
	models.FAR_EL1:        models.FAR_EL12,
	models.MAIR_EL1:       models.MAIR_EL12,
	models.AMAIR_EL1:      models.AMAIR_EL12,
	models.VBAR_EL1:       models.VBAR_EL12,
	models.CONTEXTIDR_EL1: models.CONTEXTIDR_EL12,
	models.CNTKCTL_EL1:    models.CNTKCTL_EL12,
}

func newMSRPolicy(cfg *models.Config) (*msrPolicy, error) {
	p := &msrPolicy{
		shadow: map[models.SysReg]bool{
			models.VMSA_LOCK_EL1: true,
			models.MDSCR_EL1:     true,
		},
		readonly: map[models.SysReg]bool{
			models.ACC_CFG_EL1:  true,
			models.ACC_OVRD_EL1: true,
		},
		skip:     make(map[models.SysReg]bool),
		xlate:    map[models.SysReg]bool{models.DC_CIVAC: true},
		redirect: make(map[models.SysReg]models.SysReg, len(defaultRedirects)),
	}
	for i := 0; i < numBreakpoints; i++ {
		p.shadow[models.DBGBCR_EL1(i)] = true
		p.shadow[models.DBGBVR_EL1(i)] = true
	}
	for i := 0; i < numWatchpoints; i++ {
		p.shadow[models.DBGWCR_EL1(i)] = true
		p.shadow[models.DBGWVR_EL1(i)] = true
	}
	for k, v := range defaultRedirects {
		p.redirect[k] = v
	}
	if cfg == nil {
		return p, nil
	}
	parse := func(names []string, into map[models.SysReg]bool) error {
		for _, name := range names {
			reg, err := models.ParseSysReg(name)
			if err != nil {
				return err
			}
			into[reg] = true
		}
		return nil
	}
	if err := parse(cfg.Sysregs.Skip, p.skip); err != nil {
		return nil, errors.Wrap(err, "sysregs.skip")
	}
	if err := parse(cfg.Sysregs.ReadOnly, p.readonly); err != nil {
		return nil, errors.Wrap(err, "sysregs.readonly")
	}
	for from, to := range cfg.Sysregs.Redirect {
		a, err := models.ParseSysReg(from)
		if err != nil {
			return nil, errors.Wrap(err, "sysregs.redirect")
		}
		b, err := models.ParseSysReg(to)
		if err != nil {
			return nil, errors.Wrap(err, "sysregs.redirect")
		}
		p.redirect[a] = b
	}
	return p, nil
}

func (p *msrPolicy) target(reg models.SysReg) models.SysReg {
	if to, ok := p.redirect[reg]; ok {
		return to
	}
	return reg
}

// shadowRegs holds per-CPU values of registers the guest sees but never
// reaches the hardware.
type shadowRegs map[int]map[models.SysReg]uint64

func (s shadowRegs) get(cpu int, reg models.SysReg) uint64 {
	return s[cpu][reg]
}

func (s shadowRegs) set(cpu int, reg models.SysReg, val uint64) {
	m, ok := s[cpu]
	if !ok {
		m = make(map[models.SysReg]uint64)
		s[cpu] = m
	}
	m[reg] = val
}

func (s shadowRegs) reset(cpu int) {
	s[cpu] = make(map[models.SysReg]uint64)
}

// ReadSysReg reads a system register at EL2.
func (h *HV) ReadSysReg(reg models.SysReg) (uint64, error) {
	v, err := h.r.SysRegRead(reg, models.CallEL2)
	return v, errors.Wrapf(err, "mrs %s", reg)
}

func (h *HV) WriteSysReg(reg models.SysReg, val uint64) error {
	return errors.Wrapf(h.r.SysRegWrite(reg, val, models.CallEL2), "msr %s", reg)
}
