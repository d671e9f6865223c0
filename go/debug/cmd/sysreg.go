package cmd

import (
	"github.com/hvcorn/hvcorn/go/models"
)

var MRSCmd = cmd(&Command{
	Name: "mrs",
	Desc: "Read a system register at EL2: mrs reg",
	Run: func(c *Context, reg models.SysReg) error {
		val, err := c.H.ReadSysReg(reg)
		if err != nil {
			return err
		}
		c.Printf("%s = 0x%x\n", reg, val)
		return nil
	},
})

var MSRCmd = cmd(&Command{
	Name: "msr",
	Desc: "Write a system register at EL2: msr reg val",
	Run: func(c *Context, reg models.SysReg, val uint64) error {
		return c.H.WriteSysReg(reg, val)
	},
})

var SymCmd = cmd(&Command{
	Name: "sym",
	Desc: "Resolve a symbol or address.",
	Run: func(c *Context, addr uint64) error {
		c.Printf("0x%x %s\n", addr, c.H.Symbols().Symbolicate(addr))
		return nil
	},
})
