package cmd

import (
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

var TraceCmd = cmd(&Command{
	Name: "trace",
	Desc: "Trace an MMIO range: trace addr size [mode] [name]",
	Run: func(c *Context, addr, size uint64, rest ...string) error {
		mode := models.TraceAsync
		if len(rest) > 0 {
			var err error
			if mode, err = models.ParseTraceMode(rest[0]); err != nil {
				return err
			}
		}
		r := rangemap.R(addr, size)
		if len(rest) > 1 {
			return c.H.TraceRangeNamed(r, rest[1], mode)
		}
		return c.H.TraceRange(r, mode)
	},
})

var UntraceCmd = cmd(&Command{
	Name: "untrace",
	Desc: "Stop tracing a range: untrace addr size [name]",
	Run: func(c *Context, addr, size uint64, name ...string) error {
		r := rangemap.R(addr, size)
		if len(name) > 0 {
			c.H.DelTracer(r, name[0])
		} else {
			c.H.UntraceRange(r)
		}
		return nil
	},
})

var IRQCmd = cmd(&Command{
	Name: "irq",
	Desc: "Trace interrupts: irq die num [count]",
	Run: func(c *Context, die, num int, count ...int) error {
		n := 1
		if len(count) > 0 {
			n = count[0]
		}
		return c.H.TraceIRQ(die, num, n, models.IRQTraceEnable, func(evt *models.EvtIRQTrace) error {
			c.H.Logger().Info().Msg(evt.String())
			return nil
		})
	},
})

var SyncCmd = cmd(&Command{
	Name: "ptupdate",
	Desc: "Push pending tracer changes to stage 2 now.",
	Run: func(c *Context) error {
		return c.H.PTUpdate()
	},
})
