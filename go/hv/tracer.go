package hv

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

const (
	printTracerIdent = "print"
	presetPrefix     = "preset:"
	hwIdent          = "HW"
	reservedIdent    = "reserved"
)

// PrintTracer logs every access it sees.
type PrintTracer struct {
	log zerolog.Logger
	h   *HV
}

func newPrintTracer(log zerolog.Logger, h *HV) *PrintTracer {
	return &PrintTracer{log: log.With().Str("component", "trace").Logger(), h: h}
}

func (p *PrintTracer) event(name string, lvl zerolog.Level, ev *models.MMIOEvent) error {
	p.log.WithLevel(lvl).
		Str("tracer", name).
		Int("cpu", ev.CPU()).
		Str("pc", p.h.syms.Symbolicate(ev.PC)).
		Str("addr", fmt.Sprintf("0x%x", ev.Addr)).
		Int("width", 8<<ev.Width()).
		Str("data", fmt.Sprintf("0x%x", ev.Data)).
		Msg(ev.Flags.Short())
	return nil
}

// callbacks understands two config keys: "level" picks the log level and
// "only" ("read" or "write") limits the printed direction.
func (p *PrintTracer) callbacks(name string, cfg map[string]string) Callbacks {
	lvl := zerolog.InfoLevel
	if s, ok := cfg["level"]; ok {
		if l, err := zerolog.ParseLevel(s); err == nil {
			lvl = l
		}
	}
	fn := func(ev *models.MMIOEvent) error { return p.event(name, lvl, ev) }
	cb := Callbacks{Read: fn, Write: fn, Config: cfg}
	switch cfg["only"] {
	case "read":
		cb.Write = nil
	case "write":
		cb.Read = nil
	}
	return cb
}

// TraceRange prints every access in r.
func (h *HV) TraceRange(r rangemap.Range, mode models.TraceMode) error {
	return h.AddTracer(r, printTracerIdent, mode, h.printer.callbacks(printTracerIdent, nil))
}

// TraceRangeNamed is TraceRange under its own identifier, so it can be
// removed without touching other printed ranges.
func (h *HV) TraceRangeNamed(r rangemap.Range, name string, mode models.TraceMode) error {
	return h.AddTracer(r, name, mode, h.printer.callbacks(name, nil))
}

func (h *HV) UntraceRange(r rangemap.Range) {
	h.DelTracer(r, printTracerIdent)
}

// Map passes r straight through to the hardware.
func (h *HV) Map(r rangemap.Range) error {
	return h.AddTracer(r, hwIdent, models.TraceOff, Callbacks{})
}

// Reserve keeps r out of the guest mapping entirely.
func (h *HV) Reserve(r rangemap.Range) error {
	return h.AddTracer(r, reservedIdent, models.TraceReserved, Callbacks{})
}

// ApplyPresets replaces every preset tracer with presets.
func (h *HV) ApplyPresets(presets []models.TracerPreset) error {
	for _, ident := range h.presetIdents {
		h.ClearTracers(ident)
	}
	h.presetIdents = h.presetIdents[:0]
	for _, p := range presets {
		ident := presetPrefix + p.Name
		cb := h.printer.callbacks(ident, p.Config)
		if err := h.AddTracer(rangemap.R(p.Start, p.Size), ident, p.Mode, cb); err != nil {
			return err
		}
		h.presetIdents = append(h.presetIdents, ident)
	}
	if len(presets) > 0 {
		h.log.Info().Msgf("applied %d tracer presets", len(presets))
	}
	return nil
}

// reloadPresets picks up a config change seen by the watcher. It only runs
// on the dispatch path, with the guest stopped.
func (h *HV) reloadPresets() {
	if h.presets == nil {
		return
	}
	presets, ok := h.presets.take()
	if !ok {
		return
	}
	if err := h.ApplyPresets(presets); err != nil {
		h.log.Error().Err(err).Msg("reload tracer presets")
	}
}
