package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/mgutz/ansi"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
	"github.com/hvcorn/hvcorn/go/models/trace"
)

var (
	colorRead  = ansi.ColorFunc("green")
	colorWrite = ansi.ColorFunc("red")
	colorIRQ   = ansi.ColorFunc("yellow")
)

// StreamUI prints a recorded event log, one line per event.
type StreamUI struct {
	out   io.Writer
	syms  *models.SymbolTable
	color bool
	// only MMIO events inside one of these are shown, all when empty
	Filter []rangemap.Range

	counts  map[models.EventType]int
	skipped int
}

func NewStreamUI(out io.Writer, syms *models.SymbolTable, color bool) *StreamUI {
	return &StreamUI{out: out, syms: syms, color: color, counts: make(map[models.EventType]int)}
}

func (s *StreamUI) Printf(f string, args ...interface{}) { fmt.Fprintf(s.out, f, args...) }

func (s *StreamUI) Header(h *trace.TraceHeader) {
	started := time.Unix(0, h.Started).UTC().Format(time.RFC3339)
	s.Printf("[session %s on %s, started %s]\n", h.Session, h.Device, started)
}

func (s *StreamUI) wanted(addr uint64) bool {
	if len(s.Filter) == 0 {
		return true
	}
	for _, r := range s.Filter {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *StreamUI) paint(f func(string) string, str string) string {
	if s.color {
		return f(str)
	}
	return str
}

func (s *StreamUI) Feed(rec *trace.Record) {
	stamp := fmt.Sprintf("+%.6fs", time.Duration(rec.Time).Seconds())
	v, err := rec.Decode()
	if err != nil {
		s.Printf("%s <%v>\n", stamp, err)
		return
	}
	switch e := v.(type) {
	case *models.EvtMMIOTrace:
		if !s.wanted(e.Addr) {
			s.skipped++
			return
		}
		ev := models.MMIOEvent{Flags: e.Flags, PC: e.PC, Addr: e.Addr, Data: e.Data}
		paint := colorRead
		if ev.Write() {
			paint = colorWrite
		}
		line := fmt.Sprintf("%-4s 0x%x = 0x%x", ev.Flags.Short(), ev.Addr, ev.Data)
		s.Printf("%s [cpu%d] %-32s %s\n", stamp, ev.CPU(), s.syms.Symbolicate(ev.PC), s.paint(paint, line))
	case *models.EvtIRQTrace:
		s.Printf("%s %s\n", stamp, s.paint(colorIRQ, e.String()))
	}
	s.counts[rec.Type]++
}

// Replay prints every record in r followed by a summary.
func (s *StreamUI) Replay(r *trace.TraceReader) error {
	s.Header(&r.Header)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		s.Feed(rec)
	}
	s.Printf("[%d mmio, %d irq events", s.counts[models.EventMMIOTrace], s.counts[models.EventIRQTrace])
	if s.skipped > 0 {
		s.Printf(", %d filtered", s.skipped)
	}
	s.Printf("]\n")
	return nil
}
