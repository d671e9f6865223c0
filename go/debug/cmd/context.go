package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lunixbochs/argjoy"
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
)

type Context struct {
	io.Writer
	H *hv.HV

	// Resume is set by commands that hand the guest back to the dispatcher.
	Resume *hv.Command
	// Script runs a script file; nil when no interpreter is attached.
	Script func(path string) error
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

func (c *Context) resume(cmd hv.Command) {
	c.Resume = &cmd
}

// ParseAddr accepts numbers, register names of the stopped CPU and symbols,
// optionally followed by +offset.
func (c *Context) ParseAddr(s string) (uint64, error) {
	base, off := s, uint64(0)
	if i := strings.LastIndexByte(s, '+'); i > 0 {
		n, err := strconv.ParseUint(s[i+1:], 0, 64)
		if err == nil {
			base, off = s[:i], n
		}
	}
	if n, err := strconv.ParseUint(base, 0, 64); err == nil {
		return n + off, nil
	}
	if ctx := c.H.Context(); ctx != nil {
		for _, r := range ctx.RegDump() {
			if r.Name == base {
				return r.Val + off, nil
			}
		}
		switch base {
		case "lr":
			return ctx.LR() + off, nil
		case "fp":
			return ctx.FP() + off, nil
		case "sp":
			return ctx.GuestSP() + off, nil
		}
	}
	if syms := c.H.Symbols(); syms != nil {
		if sym, ok := syms.Find(base); ok {
			return sym.Start + off, nil
		}
	}
	return 0, errors.Errorf("can't resolve %q", s)
}

// codec converts command line words for argjoy.
func (c *Context) codec(arg interface{}, vals []interface{}) error {
	if ctx, ok := vals[0].(*Context); ok {
		if v, ok := arg.(**Context); ok {
			*v = ctx
			return nil
		}
		return argjoy.NoMatch
	}
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *uint64:
		n, err := c.ParseAddr(s)
		if err != nil {
			return err
		}
		*v = n
	case *int:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return errors.Errorf("bad number %q", s)
		}
		*v = int(n)
	case *models.TraceMode:
		m, err := models.ParseTraceMode(s)
		if err != nil {
			return err
		}
		*v = m
	case *models.SysReg:
		r, err := models.ParseSysReg(s)
		if err != nil {
			return err
		}
		*v = r
	default:
		return argjoy.NoMatch
	}
	return nil
}

func isFatal(err error) bool {
	return models.IsProtocolError(err)
}
