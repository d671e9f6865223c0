package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SysReg is a system register (or system instruction) encoding.
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func S(op0, op1, crn, crm, op2 uint8) SysReg {
	return SysReg{op0, op1, crn, crm, op2}
}

// Generic name, s3_0_c1_c0_0 style
func (s SysReg) Raw() string {
	return fmt.Sprintf("s%d_%d_c%d_c%d_%d", s.Op0, s.Op1, s.CRn, s.CRm, s.Op2)
}

func (s SysReg) String() string {
	if name, ok := sysregNames[s]; ok {
		return name
	}
	return s.Raw()
}

// MRS encodes `mrs x<rt>, <reg>`.
func (s SysReg) MRS(rt int) uint32 {
	return 0xd5200000 | s.bits() | uint32(rt&0x1f)
}

// MSR encodes `msr <reg>, x<rt>`, or `sys` for op0 == 1.
func (s SysReg) MSR(rt int) uint32 {
	return 0xd5000000 | s.bits() | uint32(rt&0x1f)
}

func (s SysReg) bits() uint32 {
	return uint32(s.Op0&3)<<19 | uint32(s.Op1&7)<<16 | uint32(s.CRn&0xf)<<12 |
		uint32(s.CRm&0xf)<<8 | uint32(s.Op2&7)<<5
}

var (
	SCTLR_EL1      = S(3, 0, 1, 0, 0)
	CPACR_EL1      = S(3, 0, 1, 0, 2)
	TTBR0_EL1      = S(3, 0, 2, 0, 0)
	TTBR1_EL1      = S(3, 0, 2, 0, 1)
	TCR_EL1        = S(3, 0, 2, 0, 2)
	SPSR_EL1       = S(3, 0, 4, 0, 0)
	ELR_EL1        = S(3, 0, 4, 0, 1)
	AFSR0_EL1      = S(3, 0, 5, 1, 0)
	AFSR1_EL1      = S(3, 0, 5, 1, 1)
	ESR_EL1        = S(3, 0, 5, 2, 0)
	FAR_EL1        = S(3, 0, 6, 0, 0)
	MAIR_EL1       = S(3, 0, 10, 2, 0)
	AMAIR_EL1      = S(3, 0, 10, 3, 0)
	VBAR_EL1       = S(3, 0, 12, 0, 0)
	CONTEXTIDR_EL1 = S(3, 0, 13, 0, 1)
	CNTKCTL_EL1    = S(3, 0, 14, 1, 0)

	SCTLR_EL12      = S(3, 5, 1, 0, 0)
	CPACR_EL12      = S(3, 5, 1, 0, 2)
	TTBR0_EL12      = S(3, 5, 2, 0, 0)
	TTBR1_EL12      = S(3, 5, 2, 0, 1)
	TCR_EL12        = S(3, 5, 2, 0, 2)
	SPSR_EL12       = S(3, 5, 4, 0, 0)
	ELR_EL12        = S(3, 5, 4, 0, 1)
	AFSR0_EL12      = S(3, 5, 5, 1, 0)
	AFSR1_EL12      = S(3, 5, 5, 1, 1)
	ESR_EL12        = S(3, 5, 5, 2, 0)
	FAR_EL12        = S(3, 5, 6, 0, 0)
	MAIR_EL12       = S(3, 5, 10, 2, 0)
	AMAIR_EL12      = S(3, 5, 10, 3, 0)
	VBAR_EL12       = S(3, 5, 12, 0, 0)
	CONTEXTIDR_EL12 = S(3, 5, 13, 0, 1)
	CNTKCTL_EL12    = S(3, 5, 14, 1, 0)

	MDSCR_EL1    = S(2, 0, 0, 2, 2)
	SP_EL1       = S(3, 4, 4, 1, 0)
	CNTV_CTL_EL0 = S(3, 3, 14, 3, 1)

	// Apple implementation defined
	VMSA_LOCK_EL1 = S(3, 4, 15, 1, 2)
	ACC_CFG_EL1   = S(3, 1, 15, 4, 0)
	ACC_OVRD_EL1  = S(3, 5, 15, 6, 0)
	CYC_OVRD_EL1  = S(3, 5, 15, 5, 0)

	// sys instructions trapped as MSR
	DC_CIVAC = S(1, 3, 7, 14, 1)
)

func DBGBVR_EL1(n int) SysReg { return S(2, 0, 0, uint8(n), 4) }
func DBGBCR_EL1(n int) SysReg { return S(2, 0, 0, uint8(n), 5) }
func DBGWVR_EL1(n int) SysReg { return S(2, 0, 0, uint8(n), 6) }
func DBGWCR_EL1(n int) SysReg { return S(2, 0, 0, uint8(n), 7) }

var sysregNames = map[SysReg]string{
	SCTLR_EL1: "SCTLR_EL1", CPACR_EL1: "CPACR_EL1", TTBR0_EL1: "TTBR0_EL1", TTBR1_EL1: "TTBR1_EL1",
	TCR_EL1: "TCR_EL1", SPSR_EL1: "SPSR_EL1", ELR_EL1: "ELR_EL1", AFSR0_EL1: "AFSR0_EL1",
	AFSR1_EL1: "AFSR1_EL1", ESR_EL1: "ESR_EL1", FAR_EL1: "FAR_EL1", MAIR_EL1: "MAIR_EL1",
	AMAIR_EL1: "AMAIR_EL1", VBAR_EL1: "VBAR_EL1", CONTEXTIDR_EL1: "CONTEXTIDR_EL1",
	CNTKCTL_EL1: "CNTKCTL_EL1",

	SCTLR_EL12: "SCTLR_EL12", CPACR_EL12: "CPACR_EL12", TTBR0_EL12: "TTBR0_EL12",
	TTBR1_EL12: "TTBR1_EL12", TCR_EL12: "TCR_EL12", SPSR_EL12: "SPSR_EL12", ELR_EL12: "ELR_EL12",
	AFSR0_EL12: "AFSR0_EL12", AFSR1_EL12: "AFSR1_EL12", ESR_EL12: "ESR_EL12", FAR_EL12: "FAR_EL12",
	MAIR_EL12: "MAIR_EL12", AMAIR_EL12: "AMAIR_EL12", VBAR_EL12: "VBAR_EL12",
	CONTEXTIDR_EL12: "CONTEXTIDR_EL12", CNTKCTL_EL12: "CNTKCTL_EL12",

	MDSCR_EL1:     "MDSCR_EL1",
	SP_EL1:        "SP_EL1",
	CNTV_CTL_EL0:  "CNTV_CTL_EL0",
	VMSA_LOCK_EL1: "VMSA_LOCK_EL1",
	ACC_CFG_EL1:   "ACC_CFG_EL1",
	ACC_OVRD_EL1:  "ACC_OVRD_EL1",
	CYC_OVRD_EL1:  "CYC_OVRD_EL1",
	DC_CIVAC:      "DC_CIVAC",
}

func init() {
	for i := 0; i < 16; i++ {
		sysregNames[DBGBVR_EL1(i)] = fmt.Sprintf("DBGBVR%d_EL1", i)
		sysregNames[DBGBCR_EL1(i)] = fmt.Sprintf("DBGBCR%d_EL1", i)
		sysregNames[DBGWVR_EL1(i)] = fmt.Sprintf("DBGWVR%d_EL1", i)
		sysregNames[DBGWCR_EL1(i)] = fmt.Sprintf("DBGWCR%d_EL1", i)
	}
}

var rawSysregRe = regexp.MustCompile(`^s(\d)_(\d)_c(\d+)_c(\d+)_(\d)$`)

// ParseSysReg accepts a known register name or the generic s3_0_c1_c0_0 form.
func ParseSysReg(s string) (SysReg, error) {
	upper := strings.ToUpper(s)
	for reg, name := range sysregNames {
		if name == upper {
			return reg, nil
		}
	}
	m := rawSysregRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return SysReg{}, errors.Errorf("unknown system register %q", s)
	}
	var f [5]uint8
	for i := range f {
		n, err := strconv.ParseUint(m[i+1], 10, 8)
		if err != nil {
			return SysReg{}, errors.Wrapf(err, "bad field in %q", s)
		}
		f[i] = uint8(n)
	}
	reg := S(f[0], f[1], f[2], f[3], f[4])
	if reg.Op0 > 3 || reg.Op1 > 7 || reg.CRn > 15 || reg.CRm > 15 || reg.Op2 > 7 {
		return SysReg{}, errors.Errorf("system register field out of range in %q", s)
	}
	return reg, nil
}
