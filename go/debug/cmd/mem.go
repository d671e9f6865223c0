package cmd

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/disas"
	"github.com/hvcorn/hvcorn/go/models"
)

var errNoContext = errors.New("guest is running, no context")

const defaultDumpSize = 0x40

func sizeArg(args []uint64, def uint64) uint64 {
	if len(args) > 0 && args[0] > 0 {
		return args[0]
	}
	return def
}

var MapsCmd = cmd(&Command{
	Name:    "maps",
	Aliases: []string{"tracers"},
	Desc:    "Display traced ranges and who claims them.",
	Run: func(c *Context) error {
		for _, z := range c.H.TracerZones() {
			c.Printf("  %v", z.Range)
			for _, it := range z.Items {
				c.Printf(" %s:%s", it.Key, it.Val.Mode)
			}
			c.Printf("\n")
		}
		return nil
	},
})

var MemCmd = cmd(&Command{
	Name: "mem",
	Desc: "Dump physical memory: mem addr [size]",
	Run: func(c *Context, addr uint64, size ...uint64) error {
		mem, err := c.H.Remote().ReadMem(addr, int(sizeArg(size, defaultDumpSize)))
		if err != nil {
			return err
		}
		for _, line := range models.HexDump(addr, mem) {
			c.Printf("  %s\n", line)
		}
		return nil
	},
})

var VMemCmd = cmd(&Command{
	Name: "vmem",
	Desc: "Dump guest virtual memory: vmem addr [size]",
	Run: func(c *Context, addr uint64, size ...uint64) error {
		mem, err := c.H.ReadVirt(addr, int(sizeArg(size, defaultDumpSize)))
		if len(mem) > 0 {
			for _, line := range models.HexDump(addr, mem) {
				c.Printf("  %s\n", line)
			}
		}
		return err
	},
})

var PokeCmd = cmd(&Command{
	Name: "poke",
	Desc: "Write one physical word: poke addr val [width]",
	Run: func(c *Context, addr, val uint64, width ...int) error {
		w := 3
		if len(width) > 0 {
			w = width[0]
		}
		return c.H.Remote().Write(addr, val, w)
	},
})

var DisCmd = cmd(&Command{
	Name: "dis",
	Desc: "Disassemble guest code: dis addr [count]",
	Run: func(c *Context, addr uint64, count ...uint64) error {
		n := sizeArg(count, 8)
		mem, err := c.H.ReadVirt(addr, int(n*4))
		if len(mem) > 0 {
			var mark uint64
			if ctx := c.H.Context(); ctx != nil {
				mark = ctx.ELR
			}
			for _, line := range disas.Format(disas.Decode(mem, addr), mark, c.H.Symbols().Symbolicate) {
				c.Printf("%s\n", line)
			}
		}
		return err
	},
})

var TranslateCmd = cmd(&Command{
	Name: "xlate",
	Desc: "Translate a guest virtual address.",
	Run: func(c *Context, va uint64) error {
		pa, err := c.H.Translate(va, false)
		if err != nil {
			return err
		}
		c.Printf("0x%x -> 0x%x\n", va, pa)
		return nil
	},
})
