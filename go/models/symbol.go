package models

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Symbol struct {
	Name       string
	Start, End uint64
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Start <= addr && (addr < s.End || s.End == 0)
}

// SymbolTable is a sorted list of guest symbols used to annotate addresses.
type SymbolTable struct {
	syms   []Symbol
	byName map[string]int
}

func NewSymbolTable(syms []Symbol) *SymbolTable {
	t := &SymbolTable{syms: append([]Symbol(nil), syms...)}
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Start < t.syms[j].Start })
	// symbols without a size extend to the next one
	for i := range t.syms {
		if t.syms[i].End == 0 && i+1 < len(t.syms) {
			t.syms[i].End = t.syms[i+1].Start
		}
	}
	t.byName = make(map[string]int, len(t.syms))
	for i, s := range t.syms {
		t.byName[s.Name] = i
	}
	return t
}

// LoadSymbols reads `nm` style lines: "<hex addr> <type> <name>".
func LoadSymbols(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open symbol file")
	}
	defer f.Close()
	return ReadSymbols(f)
}

func ReadSymbols(r io.Reader) (*SymbolTable, error) {
	var syms []Symbol
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "symbols line %d", lineno)
		}
		syms = append(syms, Symbol{Name: fields[2], Start: addr})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return NewSymbolTable(syms), nil
}

func (t *SymbolTable) Find(name string) (Symbol, bool) {
	if i, ok := t.byName[name]; ok {
		return t.syms[i], true
	}
	return Symbol{}, false
}

// Lookup returns the symbol containing addr.
func (t *SymbolTable) Lookup(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Start > addr }) - 1
	if i >= 0 && t.syms[i].Contains(addr) {
		return t.syms[i], true
	}
	return Symbol{}, false
}

// Symbolicate formats addr as sym+0xoff, or bare hex when unknown.
func (t *SymbolTable) Symbolicate(addr uint64) string {
	if t != nil {
		if sym, ok := t.Lookup(addr); ok {
			if addr == sym.Start {
				return sym.Name
			}
			return fmt.Sprintf("%s+0x%x", sym.Name, addr-sym.Start)
		}
	}
	return fmt.Sprintf("0x%x", addr)
}
