package hv

import (
	"github.com/pkg/errors"
)

// Stage 2 granule and software PTE encoding understood by the monitor.
const (
	pageSize = 0x4000
	pageMask = pageSize - 1

	pteValid            = 1 << 0
	pteMemattrUnchanged = 0xf << 2
	pteS2APRW           = 3 << 6
	pteShNS             = 3 << 8
	pteAccess           = 1 << 10
	pteAttributes       = pteAccess | pteShNS | pteS2APRW | pteMemattrUnchanged

	spteTraceRead  = 1 << 63
	spteTraceWrite = 1 << 62
	spteTraceUnbuf = 1 << 61

	spteTypeShift   = 50
	spteMap         = 0 << spteTypeShift
	spteHook        = 1 << spteTypeShift
	sptePxyHookR    = 2 << spteTypeShift
	sptePxyHookW    = 3 << spteTypeShift
	sptePxyHookRW   = 4 << spteTypeShift
	spteHookIdxMask = 0x3ff

	// tlbi vmalls12e1is
	insnTLBIVMALLS12E1IS = 0xd50c83df
)

func alignUp(v uint64) uint64   { return (v + pageMask) &^ pageMask }
func alignDown(v uint64) uint64 { return v &^ pageMask }

func (h *HV) unmap(ipa, size uint64) error {
	h.log.Trace().Msgf("unmap 0x%x [0x%x]", ipa, size)
	return errors.Wrap(h.r.Map(ipa, 0, size, false), "unmap")
}

// mapSW maps through the monitor's software path: every access traps and is
// emulated against pa, which may carry trace flags.
func (h *HV) mapSW(ipa, pa, size uint64) error {
	h.log.Trace().Msgf("map_sw 0x%x -> 0x%x [0x%x]", ipa, pa, size)
	return errors.Wrap(h.r.Map(ipa, pa|spteMap, size, true), "map_sw")
}

// mapHW installs a direct stage 2 mapping. Only whole granules can be mapped
// in hardware; a partial head or tail falls back to mapSW, and so does a
// range whose ipa and pa disagree within the granule.
func (h *HV) mapHW(ipa, pa, size uint64) error {
	if ipa&pageMask != pa&pageMask {
		return h.mapSW(ipa, pa, size)
	}
	if head := alignUp(ipa); head != ipa {
		n := min(head-ipa, size)
		if err := h.mapSW(ipa, pa, n); err != nil {
			return err
		}
		ipa, pa, size = ipa+n, pa+n, size-n
	}
	if size == 0 {
		return nil
	}
	if body := alignDown(size); body != 0 {
		h.log.Trace().Msgf("map_hw 0x%x -> 0x%x [0x%x]", ipa, pa, body)
		if err := h.r.Map(ipa, pa|pteAttributes|pteValid, body, true); err != nil {
			return errors.Wrap(err, "map_hw")
		}
		ipa, pa, size = ipa+body, pa+body, size-body
	}
	if size != 0 {
		return h.mapSW(ipa, pa, size)
	}
	return nil
}

// mapHook routes accesses to the host as VM hook events.
func (h *HV) mapHook(ipa, size uint64, index int, read, write bool, flags uint64) error {
	var t uint64
	switch {
	case read && write:
		t = sptePxyHookRW
	case read:
		t = sptePxyHookR
	case write:
		t = sptePxyHookW
	default:
		return errors.Errorf("hook mapping at 0x%x with neither read nor write", ipa)
	}
	h.log.Trace().Msgf("map_hook 0x%x [0x%x] r=%v w=%v", ipa, size, read, write)
	pte := uint64(index&spteHookIdxMask)<<2 | flags | t
	return errors.Wrap(h.r.Map(ipa, pte, size, false), "map_hook")
}
