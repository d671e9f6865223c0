package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var LE = &struc.Options{Order: binary.LittleEndian}

// ExcInfo is the register snapshot the monitor saves on every trap. The
// layout matches the monitor's exception frame.
type ExcInfo struct {
	SPSR    uint64     `struc:"uint64"`
	ELR     uint64     `struc:"uint64"`
	ESR     uint64     `struc:"uint64"`
	FAR     uint64     `struc:"uint64"`
	AFSR1   uint64     `struc:"uint64"`
	Regs    [31]uint64 `struc:"[31]uint64"`
	SP      [3]uint64  `struc:"[3]uint64"`
	CPUID   uint64     `struc:"uint64"`
	MPIDR   uint64     `struc:"uint64"`
	ElrPhys uint64     `struc:"uint64"`
	FarPhys uint64     `struc:"uint64"`
	SpPhys  uint64     `struc:"uint64"`
	// address of the VMProxyHookData for HOOK_VM events
	Data    uint64     `struc:"uint64"`
}

// register index of the zero register in instruction encodings
const XZR = 31

var ExcInfoSize = func() int {
	n, err := struc.SizeofWithOptions(&ExcInfo{}, LE)
	if err != nil {
		panic(err)
	}
	return n
}()

func UnpackExcInfo(p []byte) (*ExcInfo, error) {
	if len(p) < ExcInfoSize {
		return nil, errors.Errorf("short exception frame: %d < %d bytes", len(p), ExcInfoSize)
	}
	ctx := &ExcInfo{}
	if err := struc.UnpackWithOptions(bytes.NewReader(p), ctx, LE); err != nil {
		return nil, errors.Wrap(err, "failed to unpack exception frame")
	}
	return ctx, nil
}

func (e *ExcInfo) Pack() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, e, LE); err != nil {
		return nil, errors.Wrap(err, "failed to pack exception frame")
	}
	return buf.Bytes(), nil
}

func (e *ExcInfo) Clone() *ExcInfo {
	c := *e
	return &c
}

func (e *ExcInfo) Equal(o *ExcInfo) bool {
	return *e == *o
}

// Reg reads a general register by instruction encoding, so 31 reads as zero.
func (e *ExcInfo) Reg(n int) uint64 {
	if n >= XZR {
		return 0
	}
	return e.Regs[n]
}

func (e *ExcInfo) SetReg(n int, val uint64) {
	if n < XZR {
		e.Regs[n] = val
	}
}

func (e *ExcInfo) PC() uint64 {
	return e.ELR
}

// FP and LR by the AArch64 procedure call standard.
func (e *ExcInfo) FP() uint64 { return e.Regs[29] }
func (e *ExcInfo) LR() uint64 { return e.Regs[30] }

// GuestSP is the stack pointer in use at the trapped exception level.
func (e *ExcInfo) GuestSP() uint64 {
	el := SPSR(e.SPSR).EL()
	if el > 2 {
		el = 2
	}
	if SPSR(e.SPSR).SPSel() {
		return e.SP[el]
	}
	return e.SP[0]
}

func (e *ExcInfo) SetGuestSP(val uint64) {
	el := SPSR(e.SPSR).EL()
	if el > 2 {
		el = 2
	}
	if SPSR(e.SPSR).SPSel() {
		e.SP[el] = val
	} else {
		e.SP[0] = val
	}
}

// RegDump lists every register as a named value, in the order they are displayed.
func (e *ExcInfo) RegDump() []RegVal {
	ret := make([]RegVal, 0, 31+6)
	for i := 0; i < 31; i++ {
		ret = append(ret, RegVal{Name: fmt.Sprintf("x%d", i), Enum: i, Val: e.Regs[i]})
	}
	extra := []struct {
		name string
		val  uint64
	}{
		{"sp0", e.SP[0]}, {"sp1", e.SP[1]}, {"sp2", e.SP[2]},
		{"pc", e.ELR}, {"spsr", e.SPSR}, {"esr", e.ESR}, {"far", e.FAR},
	}
	for i, r := range extra {
		ret = append(ret, RegVal{Name: r.name, Enum: 31 + i, Val: r.val})
	}
	return ret
}

// SetRegVal writes a register by its RegDump enum.
func (e *ExcInfo) SetRegVal(enum int, val uint64) bool {
	switch {
	case enum < 31:
		e.Regs[enum] = val
	case enum < 34:
		e.SP[enum-31] = val
	case enum == 34:
		e.ELR = val
	case enum == 35:
		e.SPSR = val
	case enum == 36:
		e.ESR = val
	case enum == 37:
		e.FAR = val
	default:
		return false
	}
	return true
}

type RegVal struct {
	Name string
	Enum int
	Val  uint64
}
