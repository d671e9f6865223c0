package hv

import (
	"fmt"

	"github.com/pkg/errors"
)

type CommandKind int

const (
	CmdContinue CommandKind = iota
	CmdSkip
	CmdExit
	CmdSwitchCPU
	CmdStep
)

// Command is what an interactive session hands back to the dispatcher.
// Everything else the shell does goes through the HV methods directly.
type Command struct {
	Kind CommandKind
	CPU  int
}

func Continue() Command        { return Command{Kind: CmdContinue} }
func Skip() Command            { return Command{Kind: CmdSkip} }
func Exit() Command            { return Command{Kind: CmdExit} }
func SwitchTo(cpu int) Command { return Command{Kind: CmdSwitchCPU, CPU: cpu} }
func StepOnce() Command        { return Command{Kind: CmdStep} }

func (c Command) String() string {
	switch c.Kind {
	case CmdContinue:
		return "continue"
	case CmdSkip:
		return "skip"
	case CmdExit:
		return "exit"
	case CmdSwitchCPU:
		return fmt.Sprintf("cpu %d", c.CPU)
	case CmdStep:
		return "step"
	}
	return fmt.Sprintf("Command(%d)", c.Kind)
}

// Shell is an interactive session run against a stopped guest.
type Shell interface {
	Run(h *HV, banner string) Command
}

// ShellFunc adapts a function to Shell.
type ShellFunc func(h *HV, banner string) Command

func (f ShellFunc) Run(h *HV, banner string) Command { return f(h, banner) }

// runShell hands the stopped guest to the shell until it asks to resume.
// CPU switches and single steps are carried out here so the shell never
// owns the context.
func (h *HV) runShell(banner string) (Command, error) {
	if h.shell == nil {
		return Command{}, errors.New("no shell attached: " + banner)
	}
	h.inShell = true
	defer func() { h.inShell = false }()
	for {
		cmd := h.shell.Run(h, banner)
		var err error
		switch cmd.Kind {
		case CmdSwitchCPU:
			err = h.SwitchCPU(cmd.CPU)
			banner = fmt.Sprintf("Switched to cpu %d", h.CPU())
		case CmdStep:
			// registry changes made so far apply to the stepped instruction
			if err = h.PTUpdate(); err == nil {
				err = h.Step()
			}
			banner = fmt.Sprintf("Stepped to %s", h.syms.Symbolicate(h.ctx.ELR))
		default:
			// anything the shell registered takes effect before the guest runs
			return cmd, h.PTUpdate()
		}
		if err != nil {
			if isFatal(err) {
				return cmd, err
			}
			h.log.Error().Err(err).Msg(cmd.String())
			banner = err.Error()
		}
	}
}

// runAsyncShell hands a failed asynchronous callback to the shell. The
// guest keeps running, so there is no context to step or switch away from;
// registry changes wait for the next stop.
func (h *HV) runAsyncShell(banner string) error {
	if h.shell == nil {
		h.log.Error().Msg(banner)
		return nil
	}
	h.inShell = true
	defer func() { h.inShell = false }()
	for {
		cmd := h.shell.Run(h, banner)
		switch cmd.Kind {
		case CmdSwitchCPU, CmdStep:
			banner = fmt.Sprintf("%s needs a stopped CPU", cmd)
			continue
		case CmdExit:
			h.exited = true
		}
		return nil
	}
}
