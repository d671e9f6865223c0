package models

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var breakRe = regexp.MustCompile(`^\*?(?:(?P<addr>0x[0-9a-fA-F]+|\d+)|(?P<sym>[^+\s]+?)(?P<off>\+(?:0x[0-9a-fA-F]+|\d+))?)$`)

// Breakpoint is a parsed breakpoint location: an address, a symbol, or symbol+offset.
type Breakpoint struct {
	Desc string
	Addr uint64
	Sym  string
	Off  uint64
}

var BreakpointParseErr = fmt.Errorf("breakpoint parse failed")

// desc can be 0xADDR, sym or sym+0xOFF
func ParseBreakpoint(desc string) (*Breakpoint, error) {
	r := breakRe.FindStringSubmatch(desc)
	if len(r) == 0 {
		return nil, errors.WithStack(BreakpointParseErr)
	}
	addrG, sym, offG := r[1], r[2], r[3]
	b := &Breakpoint{Desc: desc, Sym: sym}
	var err error
	if addrG != "" {
		b.Addr, err = strconv.ParseUint(addrG, 0, 64)
	} else if offG != "" {
		b.Off, err = strconv.ParseUint(offG[1:], 0, 64)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse int")
	}
	return b, nil
}

// Resolve returns the address the breakpoint refers to.
func (b *Breakpoint) Resolve(syms *SymbolTable) (uint64, error) {
	if b.Sym == "" {
		return b.Addr, nil
	}
	if syms == nil {
		return 0, errors.Errorf("%s: no symbols loaded", b.Desc)
	}
	sym, ok := syms.Find(b.Sym)
	if !ok {
		return 0, errors.Errorf("%s: symbol not found", b.Desc)
	}
	return sym.Start + b.Off, nil
}
