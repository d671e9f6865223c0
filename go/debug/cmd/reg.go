package cmd

import (
	"regexp"
	"strconv"
	"strings"
)

var strEqNumRe = regexp.MustCompile(`^([a-z]+[0-9]*)=((-|0|0x|0b)?[0-9a-fA-F]+)$`)

var RegsCmd = cmd(&Command{
	Name: "regs",
	Desc: "Dump the live context.",
	Run: func(c *Context) error {
		if c.H.Context() == nil {
			return errNoContext
		}
		c.H.DumpContext()
		return nil
	},
})

var RegCmd = cmd(&Command{
	Name: "reg",
	Desc: "Read/write regs: reg x0 pc=0x1000",
	Run: func(c *Context, args ...string) error {
		ctx := c.H.Context()
		if ctx == nil {
			return errNoContext
		}
		regs := ctx.RegDump()
		if len(args) == 0 {
			for _, reg := range regs {
				c.Printf("%s 0x%x\n", reg.Name, reg.Val)
			}
			return nil
		}
		for _, v := range args {
			var value uint64
			reg := v
			match := strEqNumRe.FindStringSubmatch(v)
			if len(match) > 0 {
				reg = match[1]
				var err error
				if match[2][0] == '-' {
					var n int64
					n, err = strconv.ParseInt(match[2], 0, 64)
					value = uint64(n)
				} else {
					value, err = strconv.ParseUint(match[2], 0, 64)
				}
				if err != nil {
					c.Printf("error parsing %s value: %v\n", reg, err)
					continue
				}
			}
			valid := false
			for _, r := range regs {
				if reg != r.Name {
					continue
				}
				valid = true
				if len(match) > 0 {
					// reaches the guest when it resumes
					ctx.SetRegVal(r.Enum, value)
				} else {
					c.Printf("%s 0x%x\n", r.Name, r.Val)
				}
				break
			}
			if !valid {
				if strings.Contains(reg, "=") {
					c.Printf("invalid assignment: %s\n", reg)
				} else {
					c.Printf("reg %s not found\n", reg)
				}
			}
		}
		return nil
	},
})
