package ui

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"golang.org/x/term"

	"github.com/hvcorn/hvcorn/go/debug/cmd"
	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/lua"
)

// Shell is the interactive prompt the guest drops into. Lines naming a
// debug command run as one; everything else is lua, possibly spanning
// several lines.
type Shell struct {
	lua *lua.LuaRepl
	rl  *readline.Instance
	out io.Writer

	color     bool
	multiline bool
	lines     []string
}

func NewShell(h *hv.HV) (*Shell, error) {
	configDirs := configdir.New("hvcorn", "repl")
	cacheDir := configDirs.QueryCacheFolder()
	historyPath := ""
	if err := cacheDir.MkdirAll(); err == nil {
		historyPath = filepath.Join(cacheDir.Path, "history")
	}
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "\n",
		EOFPrompt:       "exit",
		HistoryFile:     historyPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, "readline")
	}
	s, err := newShell(h, rl.Stderr())
	if err != nil {
		rl.Close()
		return nil, err
	}
	s.rl = rl
	s.color = h.Config().Color && term.IsTerminal(int(os.Stdout.Fd()))
	return s, nil
}

func newShell(h *hv.HV, out io.Writer) (*Shell, error) {
	l, err := lua.NewRepl(h, out)
	if err != nil {
		return nil, err
	}
	return &Shell{lua: l, out: out}, nil
}

// RunScript runs a lua file in the shell's interpreter.
func (s *Shell) RunScript(path string) error {
	return s.lua.DoScript(path)
}

func (s *Shell) printBanner(banner string) {
	if banner == "" {
		return
	}
	if s.color {
		banner = ansi.Color(banner, "yellow+b")
	}
	fmt.Fprintf(s.out, "%s\n", banner)
}

func (s *Shell) prompt(h *hv.HV) string {
	if s.multiline {
		return "... "
	}
	if ctx := h.Context(); ctx != nil {
		return fmt.Sprintf("[cpu%d] %s> ", h.CPU(), h.Symbols().Symbolicate(ctx.ELR))
	}
	return "> "
}

func (s *Shell) reset() {
	s.lines = nil
	s.multiline = false
}

// Run takes lines until one of them resumes the guest. End of input exits.
func (s *Shell) Run(h *hv.HV, banner string) hv.Command {
	s.printBanner(banner)
	s.reset()
	for {
		s.rl.SetPrompt(s.prompt(h))
		ln := s.rl.Line()
		if ln.Error == readline.ErrInterrupt {
			s.reset()
			continue
		} else if ln.CanContinue() {
			continue
		} else if ln.CanBreak() {
			return hv.Exit()
		}
		if cmd, ok := s.handle(ln.Line); ok {
			return cmd
		}
	}
}

// handle runs one line of input and reports whether it resumed the guest.
func (s *Shell) handle(line string) (hv.Command, bool) {
	c := s.lua.Commands
	c.Resume = nil
	if !s.multiline && line == "" {
		return hv.Command{}, false
	}
	if !s.multiline && cmd.IsCommand(line) {
		if err := cmd.Run(c, line); err != nil {
			fmt.Fprintf(s.out, "fatal: %v\n", err)
			return hv.Exit(), true
		}
	} else {
		if s.multiline {
			s.lines = append(s.lines, line)
		} else {
			s.lines = []string{line}
		}
		s.multiline = s.lua.Exec(s.lines)
		if !s.multiline {
			s.lines = nil
		}
	}
	if c.Resume != nil {
		return *c.Resume, true
	}
	return hv.Command{}, false
}

func (s *Shell) Close() {
	s.lua.Close()
	if s.rl != nil {
		s.rl.Close()
	}
}

var _ hv.Shell = (*Shell)(nil)
