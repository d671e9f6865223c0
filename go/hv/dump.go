package hv

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/disas"
)

const maxBacktrace = 64

func (h *HV) printf(format string, a ...interface{}) {
	fmt.Fprintf(h.out, format, a...)
}

// printDisas shows count instructions read from pa, labelled with the
// guest virtual addresses starting at va.
func (h *HV) printDisas(pa, va uint64, count int, mark uint64) {
	mem, err := h.r.ReadMem(pa, count*4)
	if err != nil {
		h.log.Warn().Err(err).Msgf("can't read code at 0x%x", pa)
		return
	}
	for _, line := range disas.Format(h.dis.Decode(mem, va), mark, h.syms.Symbolicate) {
		h.printf("%s\n", line)
	}
}

// DumpContext prints the live registers, marking changes since last time,
// and the code around the trapping instruction.
func (h *HV) DumpContext() {
	if h.ctx == nil {
		return
	}
	ctx := h.ctx
	h.printf("[cpu%d] ELR=%s SPSR=0x%x ESR=0x%x FAR=0x%x\n",
		h.CPU(), h.syms.Symbolicate(ctx.ELR), ctx.SPSR, ctx.ESR, ctx.FAR)
	h.printf("%s", h.regs.Dump(ctx.RegDump(), h.color))
	if ctx.ElrPhys != 0 {
		h.printDisas(ctx.ElrPhys-4*4, ctx.ELR-4*4, 9, ctx.ELR)
	}
}

// Translate resolves a guest virtual address through stage 1 and stage 2.
func (h *HV) Translate(va uint64, write bool) (uint64, error) {
	pa, err := h.r.Translate(va, true, write)
	if err != nil {
		return 0, errors.Wrapf(err, "translate 0x%x", va)
	}
	if pa == 0 {
		return 0, errors.Errorf("0x%x is not mapped", va)
	}
	return pa, nil
}

// ReadVirt reads guest virtual memory page by page.
func (h *HV) ReadVirt(va uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < size {
		pa, err := h.Translate(va, false)
		if err != nil {
			return out, err
		}
		n := min(uint64(size-len(out)), 0x1000-va&0xfff)
		p, err := h.r.ReadMem(pa, int(n))
		if err != nil {
			return out, err
		}
		out = append(out, p...)
		va += n
	}
	return out, nil
}

func (h *HV) WriteVirt(va uint64, p []byte) error {
	for len(p) > 0 {
		pa, err := h.Translate(va, true)
		if err != nil {
			return err
		}
		n := min(uint64(len(p)), 0x1000-va&0xfff)
		if err := h.r.WriteMem(pa, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		va += n
	}
	return nil
}

// Frame is one entry of a frame pointer backtrace.
type Frame struct {
	PC  uint64
	Sym string
}

// Backtrace walks the frame pointer chain of the live context.
func (h *HV) Backtrace() ([]Frame, error) {
	if h.ctx == nil {
		return nil, errors.New("no live context")
	}
	var frames []Frame
	seen := make(map[uint64]bool)
	fp, lr := h.ctx.FP(), h.ctx.ELR+4
	for {
		frames = append(frames, Frame{PC: lr - 4, Sym: h.syms.Symbolicate(lr - 4)})
		if fp == 0 || len(frames) >= maxBacktrace {
			break
		}
		if seen[fp] {
			return frames, errors.Errorf("stack loop at 0x%x", fp)
		}
		seen[fp] = true
		rec, err := h.ReadVirt(fp, 16)
		if err != nil {
			break
		}
		fp = binary.LittleEndian.Uint64(rec[0:8])
		lr = binary.LittleEndian.Uint64(rec[8:16])
	}
	return frames, nil
}

func (h *HV) printBacktrace() {
	frames, err := h.Backtrace()
	h.printf("Backtrace:\n")
	for _, f := range frames {
		h.printf("  0x%016x %s\n", f.PC, f.Sym)
	}
	if err != nil {
		h.printf("  (%v)\n", err)
	}
}
