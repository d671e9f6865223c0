package models

import (
	"fmt"
	"strings"

	"github.com/mgutz/ansi"
)

var chSame = ansi.ColorCode("default:default")
var chNew = ansi.ColorCode("default+bu:default")

// RegDiff prints register files, marking what changed since the last dump.
type RegDiff struct {
	old map[string]uint64
}

// hex digits that differ get highlighted individually
func maskDigits(val, old uint64) string {
	s1, s2 := fmt.Sprintf("%016x", val), fmt.Sprintf("%016x", old)
	var out strings.Builder
	changed := false
	for i := range s1 {
		diff := s1[i] != s2[i]
		if diff != changed || i == 0 {
			if diff {
				out.WriteString(chNew)
			} else {
				out.WriteString(chSame)
			}
			changed = diff
		}
		out.WriteByte(s1[i])
	}
	out.WriteString(ansi.Reset)
	return out.String()
}

func (d *RegDiff) cell(r RegVal, color bool) string {
	old, seen := d.old[r.Name]
	changed := seen && old != r.Val
	switch {
	case changed && color:
		return fmt.Sprintf("%s%5s%s 0x%s", chNew, r.Name, ansi.Reset, maskDigits(r.Val, old))
	case changed:
		return fmt.Sprintf("+%4s 0x%016x", r.Name, r.Val)
	}
	return fmt.Sprintf("%5s 0x%016x", r.Name, r.Val)
}

// Dump lays registers out column-wise, four per row.
func (d *RegDiff) Dump(regs []RegVal, color bool) string {
	const cols = 4
	rows := (len(regs) + cols - 1) / cols
	var out strings.Builder
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			i := col*rows + row
			if i >= len(regs) {
				continue
			}
			out.WriteString(d.cell(regs[i], color))
			out.WriteString(" ")
		}
		out.WriteString("\n")
	}
	d.old = make(map[string]uint64, len(regs))
	for _, r := range regs {
		d.old[r.Name] = r.Val
	}
	return out.String()
}

// Changed lists registers that differ from the last dump.
func (d *RegDiff) Changed(regs []RegVal) []RegVal {
	var ret []RegVal
	for _, r := range regs {
		if old, ok := d.old[r.Name]; ok && old != r.Val {
			ret = append(ret, r)
		}
	}
	return ret
}
