package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexDump formats mem as 16 byte lines of 64-bit words with a printable tail.
func HexDump(base uint64, mem []byte) []string {
	clean := func(p []byte) string {
		o := make([]byte, len(p))
		for i, c := range p {
			if c >= 0x20 && c <= 0x7e {
				o[i] = c
			} else {
				o[i] = '.'
			}
		}
		return string(o)
	}
	var out []string
	for i := 0; i < len(mem); i += 16 {
		line := mem[i:min(i+16, len(mem))]
		words := make([]string, 2)
		for j := range words {
			if j*8 >= len(line) {
				words[j] = strings.Repeat(" ", 16)
				continue
			}
			w := hex.EncodeToString(line[j*8 : min(j*8+8, len(line))])
			words[j] = w + strings.Repeat(" ", 16-len(w))
		}
		out = append(out, fmt.Sprintf("%016x  %s %s  |%s|", base+uint64(i), words[0], words[1], clean(line)))
	}
	return out
}
