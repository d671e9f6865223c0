package lua

import (
	"fmt"
	"strings"

	"github.com/lunixbochs/luaish"
)

// formatInt prints small numbers in decimal and anything that looks like an
// address in hex, with the symbol it falls in when there is one.
func (L *LuaRepl) formatInt(n uint64) string {
	switch {
	case n < 10:
		return fmt.Sprintf("%d", n)
	case n <= 0x10000:
		return fmt.Sprintf("%#x(%d)", n, n)
	}
	if syms := L.h.Symbols(); syms != nil {
		if _, ok := syms.Lookup(n); ok {
			return fmt.Sprintf("%#x <%s>", n, syms.Symbolicate(n))
		}
	}
	return fmt.Sprintf("%#x", n)
}

func (L *LuaRepl) prettydump(lv []lua.LValue, implicit, outer bool, seen map[lua.LValue]bool) []string {
	pretty := make([]string, len(lv))
	for i, v := range lv {
		switch s := v.(type) {
		case *lua.LTable:
			if seen[v] {
				pretty[i] = `{"<recursion>"}`
				continue
			}
			seen[v] = true
			var items []string
			idx := 1
			s.ForEach(func(k, v lua.LValue) {
				kv := L.prettydump([]lua.LValue{k, v}, implicit, false, seen)
				if n, ok := k.(lua.LInt); ok && int(n) == idx {
					idx++
					items = append(items, kv[1])
				} else {
					items = append(items, strings.Join(kv, " = "))
				}
			})
			seen[v] = false
			sep := ", "
			if outer {
				sep = ",\n "
			}
			pretty[i] = "{" + strings.Join(items, sep) + "}"
		case lua.LFloat:
			pretty[i] = fmt.Sprintf("%f", float64(s))
		case lua.LInt:
			pretty[i] = L.formatInt(uint64(s))
		case lua.LString:
			if implicit {
				pretty[i] = fmt.Sprintf("%q", string(s))
			} else {
				pretty[i] = string(s)
			}
		default:
			pretty[i] = v.String()
		}
	}
	return pretty
}

func (L *LuaRepl) PrettyDump(lv []lua.LValue, implicit, outer bool) []string {
	return L.prettydump(lv, implicit, outer, make(map[lua.LValue]bool))
}

func (L *LuaRepl) PrettyPrint(lv []lua.LValue, implicit bool) {
	L.Printf("%s\n", strings.Join(L.PrettyDump(lv, implicit, true), " "))
}
