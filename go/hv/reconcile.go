package hv

import (
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

// PTUpdate brings the stage 2 tables in line with the registry for every
// range touched since the last call. Nothing is sent when nothing is dirty.
// On failure the dirty set is kept so the next call retries everything.
func (h *HV) PTUpdate() error {
	if h.dirty.Empty() {
		return nil
	}
	h.maps.Compact()

	var top uint64
	for _, zone := range h.dirty.Ranges() {
		if zone.Stop <= top {
			continue
		}
		top = max(top, zone.Start)
		for _, mz := range h.maps.Overlaps(zone) {
			if mz.Stop <= top {
				continue
			}
			if top < mz.Start {
				h.log.Debug().Msgf("PT[0x%09x:0x%09x] -> *UNMAPPED*", top, mz.Start)
				if err := h.unmap(top, mz.Start-top); err != nil {
					return errors.Wrap(err, "pt update")
				}
			}
			top = mz.Stop
			if err := h.mapZone(mz.Range, tracers(mz.Items)); err != nil {
				return errors.Wrap(err, "pt update")
			}
		}
		if top < zone.Stop {
			h.log.Debug().Msgf("PT[0x%09x:0x%09x] -> *UNMAPPED*", top, zone.Stop)
			if err := h.unmap(top, zone.Stop-top); err != nil {
				return errors.Wrap(err, "pt update")
			}
			top = zone.Stop
		}
	}

	if err := h.r.Inst(insnTLBIVMALLS12E1IS); err != nil {
		return errors.Wrap(err, "pt update: tlb invalidate")
	}
	h.dirty.Clear()
	return nil
}

// mapZone installs the mapping the dominant tracer asks for. Lower modes
// still get their events: trace flags are the union over all tracers.
func (h *HV) mapZone(r rangemap.Range, ts []*Tracer) error {
	dom := ts[0]
	var needRead, needWrite bool
	for _, t := range ts {
		needRead = needRead || t.needRead()
		needWrite = needWrite || t.needWrite()
	}
	size := r.Size()
	h.log.Debug().Msgf("PT[0x%09x:0x%09x] -> %s.%s%s (%s)",
		r.Start, r.Stop, dom.Mode, rw(needRead, "R"), rw(needWrite, "W"), dom.Ident)

	switch dom.Mode {
	case models.TraceReserved:
		// owned by the monitor, left as it is
		return nil

	case models.TraceHook, models.TraceSync:
		hooks := 0
		for _, t := range ts {
			if t.Mode == models.TraceHook {
				hooks++
			}
		}
		if hooks > 1 {
			h.log.Warn().Stringer("range", r).Msgf("%d HOOK tracers overlap, only %s is active", hooks, dom.Ident)
		}
		// both directions always go through the host once the range is hooked
		return h.mapHook(r.Start, size, 0, true, true, 0)

	case models.TraceWSync:
		var flags uint64
		if needRead {
			flags |= spteTraceRead
		}
		return h.mapHook(r.Start, size, 0, false, true, flags)

	case models.TraceUnbuf, models.TraceAsync, models.TraceBypass:
		pa := r.Start
		if dom.Mode == models.TraceUnbuf {
			pa |= spteTraceUnbuf
		}
		if needRead {
			pa |= spteTraceRead
		}
		if needWrite {
			pa |= spteTraceWrite
		}
		return h.mapSW(r.Start, pa, size)

	case models.TraceOff:
		return h.mapHW(r.Start, r.Start, size)
	}
	return errors.Errorf("unknown trace mode %d", dom.Mode)
}

func rw(b bool, s string) string {
	if b {
		return s
	}
	return ""
}
