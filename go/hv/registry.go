package hv

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

var (
	ErrNoCallback   = errors.New("tracer mode needs at least one callback")
	ErrHookConflict = errors.New("HOOK and SYNC tracers registered over the same range")
	ErrEmptyRange   = errors.New("empty range")
)

// Observers see each word-sized access after the fact (async modes) or
// before it is performed (sync modes).
type (
	ReadFunc  func(ev *models.MMIOEvent) error
	WriteFunc func(ev *models.MMIOEvent) error
)

// Producers replace the device in HOOK mode. width is log2 of the access
// size in bytes; a read returns one value per 64-bit word.
type (
	HookReadFunc  func(addr uint64, width int) ([]uint64, error)
	HookWriteFunc func(addr uint64, vals []uint64, width int) error
)

type Callbacks struct {
	Read      ReadFunc
	Write     WriteFunc
	HookRead  HookReadFunc
	HookWrite HookWriteFunc

	// Config is owned by whoever registered the tracer; the registry
	// stores it and hands it back through Tracers.
	Config map[string]string
}

func (c Callbacks) empty() bool {
	return c.Read == nil && c.Write == nil && c.HookRead == nil && c.HookWrite == nil
}

// Tracer is one registration: an identifier claiming a range in a mode.
type Tracer struct {
	Ident string
	Range rangemap.Range
	Mode  models.TraceMode
	Callbacks
}

func (t *Tracer) needRead() bool  { return t.Read != nil || t.HookRead != nil }
func (t *Tracer) needWrite() bool { return t.Write != nil || t.HookWrite != nil }

// byMode orders the dominant (highest) mode first, then by identifier.
func byMode(ts []*Tracer) []*Tracer {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Mode != ts[j].Mode {
			return ts[i].Mode > ts[j].Mode
		}
		return ts[i].Ident < ts[j].Ident
	})
	return ts
}

func tracers(items []rangemap.Item[string, *Tracer]) []*Tracer {
	ts := make([]*Tracer, 0, len(items))
	for _, it := range items {
		ts = append(ts, it.Val)
	}
	return byMode(ts)
}

// AddTracer registers cb under ident over r. Registering the same ident
// again replaces it where the ranges overlap. The stage 2 tables are not
// touched until the next PTUpdate.
func (h *HV) AddTracer(r rangemap.Range, ident string, mode models.TraceMode, cb Callbacks) error {
	if r.Empty() {
		return errors.Wrapf(ErrEmptyRange, "tracer %s", ident)
	}
	switch mode {
	case models.TraceOff, models.TraceBypass, models.TraceReserved:
	default:
		if cb.empty() {
			return errors.Wrapf(ErrNoCallback, "%s tracer %s", mode, ident)
		}
	}
	if mode == models.TraceSync || mode == models.TraceHook {
		for _, z := range h.maps.Overlaps(r) {
			for _, it := range z.Items {
				t := it.Val
				if t.Ident == ident || t.Range != r {
					continue
				}
				if (t.Mode == models.TraceSync || t.Mode == models.TraceHook) && t.Mode != mode {
					return errors.Wrapf(ErrHookConflict, "%s %s vs %s %s at %s", mode, ident, t.Mode, t.Ident, r)
				}
			}
		}
	}
	t := &Tracer{Ident: ident, Range: r, Mode: mode, Callbacks: cb}
	h.maps.Add(r, ident, t)
	h.dirty.Set(r)
	h.log.Debug().Str("ident", ident).Stringer("range", r).Stringer("mode", mode).Msg("add tracer")
	return nil
}

// DelTracer removes ident from r, leaving other registrations alone.
func (h *HV) DelTracer(r rangemap.Range, ident string) {
	h.maps.Remove(r, ident)
	h.dirty.Set(r)
	h.log.Debug().Str("ident", ident).Stringer("range", r).Msg("del tracer")
}

// ClearTracers removes ident everywhere.
func (h *HV) ClearTracers(ident string) {
	for _, r := range h.maps.RemoveKey(ident) {
		h.dirty.Set(r)
	}
}

// Tracers lists the registrations covering addr, dominant first.
func (h *HV) Tracers(addr uint64) []*Tracer {
	return tracers(h.maps.Lookup(addr))
}

// TracerZones returns the current registry split into zones of identical
// tracer sets.
func (h *HV) TracerZones() []rangemap.Zone[string, *Tracer] {
	h.maps.Compact()
	return h.maps.Zones()
}

// lookupTracer re-resolves ident at addr so callbacks always run against
// the current registration.
func (h *HV) lookupTracer(addr uint64, ident string) (*Tracer, bool) {
	return h.maps.Get(addr, ident)
}

// Dirty reports whether registry changes are waiting for PTUpdate.
func (h *HV) Dirty() bool {
	return !h.dirty.Empty()
}

// MarkDirty forces r to be reconciled on the next PTUpdate.
func (h *HV) MarkDirty(r rangemap.Range) {
	h.dirty.Set(r)
}
