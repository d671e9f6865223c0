package disas

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

const insnSize = 4

// Ins is one decoded AArch64 instruction.
type Ins struct {
	addr uint64
	raw  uint32
	inst arm64asm.Inst
	ok   bool
}

func (i *Ins) Addr() uint64 { return i.addr }
func (i *Ins) Raw() uint32  { return i.raw }
func (i *Ins) Valid() bool  { return i.ok }

func (i *Ins) Bytes() []byte {
	var b [insnSize]byte
	binary.LittleEndian.PutUint32(b[:], i.raw)
	return b[:]
}

// Op is the arm64asm opcode, zero for undecodable words.
func (i *Ins) Op() arm64asm.Op {
	return i.inst.Op
}

func (i *Ins) Mnemonic() string {
	if !i.ok {
		return ".word"
	}
	s := arm64asm.GNUSyntax(i.inst)
	if n := strings.IndexByte(s, ' '); n >= 0 {
		return s[:n]
	}
	return s
}

func (i *Ins) OpStr() string {
	if !i.ok {
		return fmt.Sprintf("0x%08x", i.raw)
	}
	s := arm64asm.GNUSyntax(i.inst)
	if n := strings.IndexByte(s, ' '); n >= 0 {
		return s[n+1:]
	}
	return ""
}

func (i *Ins) String() string {
	return strings.TrimSpace(i.Mnemonic() + " " + i.OpStr())
}

// Decode disassembles mem as a run of instructions starting at addr.
// Words that don't decode come back as .word entries.
func Decode(mem []byte, addr uint64) []*Ins {
	out := make([]*Ins, 0, len(mem)/insnSize)
	for off := 0; off+insnSize <= len(mem); off += insnSize {
		raw := binary.LittleEndian.Uint32(mem[off:])
		inst, err := arm64asm.Decode(mem[off : off+insnSize])
		out = append(out, &Ins{addr: addr + uint64(off), raw: raw, inst: inst, ok: err == nil})
	}
	return out
}

// DecodeOne decodes a single instruction word.
func DecodeOne(raw uint32, addr uint64) *Ins {
	var b [insnSize]byte
	binary.LittleEndian.PutUint32(b[:], raw)
	return Decode(b[:], addr)[0]
}

// Format renders instructions one per line; mark gets an arrow.
func Format(ins []*Ins, mark uint64, sym func(uint64) string) []string {
	out := make([]string, len(ins))
	for n, i := range ins {
		prefix := "  "
		if i.addr == mark {
			prefix = "> "
		}
		line := fmt.Sprintf("%s%016x: %08x  %-8s %s", prefix, i.addr, i.raw, i.Mnemonic(), i.OpStr())
		if sym != nil {
			line = fmt.Sprintf("%-64s ; %s", line, sym(i.addr))
		}
		out[n] = strings.TrimRight(line, " ")
	}
	return out
}
