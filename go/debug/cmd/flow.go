package cmd

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/hv"
)

var ContCmd = cmd(&Command{
	Name:    "cont",
	Aliases: []string{"c"},
	Desc:    "Resume the guest.",
	Run: func(c *Context) error {
		c.resume(hv.Continue())
		return nil
	},
})

var SkipCmd = cmd(&Command{
	Name: "skip",
	Desc: "Resume the guest after the trapping instruction.",
	Run: func(c *Context) error {
		c.resume(hv.Skip())
		return nil
	},
})

var ExitCmd = cmd(&Command{
	Name: "exit",
	Desc: "Exit the guest and return to the monitor.",
	Run: func(c *Context) error {
		c.resume(hv.Exit())
		return nil
	},
})

var StepCmd = cmd(&Command{
	Name:    "step",
	Aliases: []string{"s"},
	Desc:    "Single step the current CPU.",
	Run: func(c *Context) error {
		if c.H.Context() == nil {
			return errNoContext
		}
		c.resume(hv.StepOnce())
		return nil
	},
})

var CPUCmd = cmd(&Command{
	Name: "cpu",
	Desc: "Switch to a started CPU: cpu n",
	Run: func(c *Context, cpu int) error {
		c.resume(hv.SwitchTo(cpu))
		return nil
	},
})

var CPUsCmd = cmd(&Command{
	Name: "cpus",
	Desc: "List started CPUs.",
	Run: func(c *Context) error {
		cur := c.H.CPU()
		for _, id := range c.H.StartedCPUs() {
			mark := " "
			if id == cur {
				mark = "*"
			}
			c.Printf("%s cpu%d\n", mark, id)
		}
		return nil
	},
})

var StartCmd = cmd(&Command{
	Name: "start",
	Desc: "Start secondary CPUs: start [die cluster core]",
	Run: func(c *Context, loc ...int) error {
		switch len(loc) {
		case 0:
			return c.H.StartSecondaries()
		case 3:
			return c.H.StartSecondary(loc[0], loc[1], loc[2])
		}
		return errors.New("usage: start [die cluster core]")
	},
})

var BreakCmd = cmd(&Command{
	Name:    "break",
	Aliases: []string{"b"},
	Desc:    "Set a hardware breakpoint, or list them: break [addr]",
	Run: func(c *Context, addr ...uint64) error {
		if len(addr) == 0 {
			for i, bp := range c.H.Breakpoints() {
				if bp != 0 {
					c.Printf("  %d: %s\n", i, c.H.Symbols().Symbolicate(bp))
				}
			}
			return nil
		}
		idx, err := c.H.AddBreakpoint(addr[0], nil)
		if err == nil {
			c.Printf("breakpoint %d at %s\n", idx, c.H.Symbols().Symbolicate(addr[0]))
		}
		return err
	},
})

var UnbreakCmd = cmd(&Command{
	Name: "unbreak",
	Desc: "Remove a breakpoint: unbreak addr",
	Run: func(c *Context, addr uint64) error {
		return c.H.RemoveBreakpoint(addr)
	},
})

var WatchCmd = cmd(&Command{
	Name: "watch",
	Desc: "Set a hardware watchpoint: watch addr [size] [r|w|rw]",
	Run: func(c *Context, addr uint64, rest ...string) error {
		size, lsc := uint64(8), hv.WatchRW
		for _, arg := range rest {
			switch strings.ToLower(arg) {
			case "r":
				lsc = hv.WatchLoad
			case "w":
				lsc = hv.WatchStore
			case "rw":
				lsc = hv.WatchRW
			default:
				n, err := c.ParseAddr(arg)
				if err != nil {
					return err
				}
				size = n
			}
		}
		idx, err := c.H.AddWatchpoint(addr, size, lsc, nil)
		if err == nil {
			c.Printf("watchpoint %d at 0x%x\n", idx, addr)
		}
		return err
	},
})

var UnwatchCmd = cmd(&Command{
	Name: "unwatch",
	Desc: "Remove a watchpoint: unwatch addr",
	Run: func(c *Context, addr uint64) error {
		return c.H.RemoveWatchpoint(addr)
	},
})

var BacktraceCmd = cmd(&Command{
	Name: "bt",
	Desc: "Frame pointer backtrace of the current CPU.",
	Run: func(c *Context) error {
		frames, err := c.H.Backtrace()
		for i, f := range frames {
			c.Printf("  #%-2d 0x%016x %s\n", i, f.PC, f.Sym)
		}
		return err
	},
})

var LowerCmd = cmd(&Command{
	Name: "lower",
	Desc: "Reflect the current fault into the guest and resume.",
	Run: func(c *Context) error {
		ok, err := c.H.LowerException()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("can't lower this exception")
		}
		c.resume(hv.Continue())
		return nil
	},
})

var RebootCmd = cmd(&Command{
	Name: "reboot",
	Desc: "Hard reboot the target and end the session.",
	Run: func(c *Context) error {
		if err := c.H.Reboot(); err != nil {
			return err
		}
		c.resume(hv.Exit())
		return nil
	},
})

var ScriptCmd = cmd(&Command{
	Name: "script",
	Desc: "Run a lua script file.",
	Run: func(c *Context, path string) error {
		if c.Script == nil {
			return errors.New("no script interpreter")
		}
		return c.Script(path)
	},
})
