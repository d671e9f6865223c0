package hv

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

// newSyncHandlers builds the synchronous exception table, keyed by ESR.EC.
func (h *HV) newSyncHandlers() map[uint64]func() (bool, error) {
	iss := func() uint64 { return models.ESR(h.ctx.ESR).ISS() }
	return map[uint64]func() (bool, error){
		models.ECMSR:         func() (bool, error) { return h.handleMSR(iss()) },
		models.ECIMPDEF:      h.handleImpdef,
		models.ECHVC:         h.handleHVC,
		models.ECSStepLower:  h.handleStep,
		models.ECBkptLower:   h.handleBreak,
		models.ECWatchLower:  h.handleWatch,
		models.ECBRK:         h.handleBRK,
		models.ECDAbortLower: h.handleDataAbort,
	}
}

// isFatal reports errors that end the session: the protocol broke or the
// transport went away. Anything else is shown and handed to the shell.
func isFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case models.IsProtocolError(err):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}
	return false
}

// handleNotification runs one trap through load, classify, handle and
// commit. Handler failures turn into an unhandled trap; only fatal errors
// are returned.
func (h *HV) handleNotification(n *models.Notification) error {
	if n.Reason == models.StartBoot {
		return models.NewProtocolError("monitor rebooted")
	}
	if err := h.loadContext(n.Info); err != nil {
		return err
	}
	h.exc = n
	h.reloadPresets()
	h.armDeferred()

	var (
		handled, force bool
		banner         string
		err            error
	)
	switch n.Reason {
	case models.StartException:
		// the monitor itself trapped; nothing here may emulate that
		banner = fmt.Sprintf("Exception in monitor: %s", n)
	case models.StartExceptionLower:
		handled, err = h.handleException(models.ExcType(n.Code))
	case models.StartHV:
		handled, force, banner, err = h.handleHVEvent(models.HvEvent(n.Code))
	default:
		return models.NewProtocolError("unknown start reason %d", n.Reason)
	}
	if err != nil {
		if isFatal(err) {
			return err
		}
		h.log.Error().Err(err).Msgf("%s handler failed", n)
		handled = false
	}
	return h.finish(handled, force, banner)
}

func (h *HV) handleException(code models.ExcType) (bool, error) {
	switch code {
	case models.ExcSync:
		esr := models.ESR(h.ctx.ESR)
		fn, ok := h.syncHandlers[esr.EC()]
		if !ok {
			h.log.Warn().Msgf("no handler for EC 0x%x (ESR 0x%x)", esr.EC(), h.ctx.ESR)
			return false, nil
		}
		return fn()
	case models.ExcIRQ:
		return true, nil
	case models.ExcFIQ:
		// the guest's virtual timer fired while the host had it; mask it
		// until the guest reprograms it
		return true, h.WriteSysReg(models.CNTV_CTL_EL0, 0)
	}
	return false, nil
}

// handleHVEvent returns whether the event is handled and whether the shell
// should run anyway.
func (h *HV) handleHVEvent(ev models.HvEvent) (bool, bool, string, error) {
	switch ev {
	case models.HvHookVM:
		handled, err := h.handleVMHook()
		return handled, false, "", err
	case models.HvUserInterrupt:
		return true, true, "User interrupt", nil
	case models.HvWdtBark:
		h.log.Error().Msg("watchdog bark")
		h.DumpContext()
		return true, true, "Watchdog bark", nil
	case models.HvPanic:
		h.log.Error().Msg("monitor panic")
		h.DumpContext()
		return true, true, "Monitor panic", nil
	case models.HvVTimer, models.HvCPUSwitch:
		return true, false, "", nil
	case models.HvVirtio:
		h.log.Warn().Msg("virtio is not supported")
		return false, false, "", nil
	}
	h.log.Warn().Msgf("unknown HV event %d", ev)
	return false, false, "", nil
}

// finish decides what the guest does next, brings the stage 2 tables up to
// date, writes the context back and resumes.
func (h *HV) finish(handled, force bool, banner string) error {
	interrupted := h.intr.Take()
	if !handled {
		h.log.Error().Int("cpu", h.CPU()).Msgf("unhandled %s", h.exc)
		h.DumpContext()
		h.printBacktrace()
		if banner == "" {
			banner = fmt.Sprintf("Unhandled %s", h.exc)
		}
	}
	if interrupted && banner == "" {
		banner = "Interrupted"
	}

	ret := models.ExcHandled
	if !handled || interrupted || force {
		cmd, err := h.runShell(banner)
		if err != nil {
			return err
		}
		switch cmd.Kind {
		case CmdSkip:
			h.ctx.ELR += 4
		case CmdExit:
			ret = models.ExcExitGuest
			h.exited = true
		}
	}

	if h.config.Target.PatchVectors {
		if err := h.PatchVectors(); err != nil {
			if isFatal(err) {
				return err
			}
			h.log.Error().Err(err).Msg("patch vectors")
		}
	}
	if err := h.PTUpdate(); err != nil {
		return err
	}
	if err := h.commit(); err != nil {
		return err
	}
	if err := h.r.Exit(ret); err != nil {
		return errors.Wrap(err, "resume guest")
	}
	h.ctx, h.exc, h.ctxSaved = nil, nil, nil
	return nil
}
