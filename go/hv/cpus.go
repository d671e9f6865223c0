package hv

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

var ErrCPUNotStarted = errors.New("cpu not started")

// entry point field of the CPU implementation register
const cpuEntryMask = 0xfffffffffff

// SwitchCPU makes cpu's context live. The current CPU stays parked in the
// monitor until it is switched back to or the guest resumes.
func (h *HV) SwitchCPU(cpu int) error {
	if h.ctx != nil && cpu == h.CPU() {
		return nil
	}
	if _, ok := h.started[cpu]; !ok {
		return errors.Wrapf(ErrCPUNotStarted, "cpu %d", cpu)
	}
	ok, err := h.r.SwitchCPU(cpu)
	if err != nil {
		return errors.Wrap(err, "switch cpu")
	}
	if !ok {
		return errors.Errorf("monitor refused to switch to cpu %d", cpu)
	}
	if err := h.switchContext(h.runCtx); err != nil {
		return err
	}
	if got := h.CPU(); got != cpu {
		return models.NewProtocolError("switched to cpu %d but landed on cpu %d", cpu, got)
	}
	return nil
}

// StartedCPUs lists started CPU ids in order.
func (h *HV) StartedCPUs() []int {
	ids := make([]int, 0, len(h.started))
	for id := range h.started {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ForEachCPU switches to each started CPU in turn and calls fn. It stops at
// the first error and leaves whichever CPU it was on live.
func (h *HV) ForEachCPU(fn func(cpu int) error) error {
	for _, id := range h.StartedCPUs() {
		if err := h.SwitchCPU(id); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// StartSecondary brings up the CPU at die:cluster:core, entering at the
// address the guest left in its implementation register.
func (h *HV) StartSecondary(die, cluster, core int) error {
	reg := models.CPUReg(die, cluster, core)
	idx := -1
	for i, n := range h.config.Target.CPUs {
		if n.Reg == reg {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("no cpu %d:%d:%d in target", die, cluster, core)
	}
	node := h.config.Target.CPUs[idx]
	impl, err := h.r.Read(node.ImplReg, 3)
	if err != nil {
		return errors.Wrap(err, "read cpu impl reg")
	}
	entry := impl & cpuEntryMask
	h.log.Info().Msgf("starting secondary %d:%d:%d as cpu %d at 0x%x", die, cluster, core, idx, entry)
	h.sysreg.reset(idx)
	if err := h.r.StartSecondary(idx, entry); err != nil {
		return errors.Wrapf(err, "start cpu %d", idx)
	}
	h.started[idx] = node
	return nil
}

// StartSecondaries starts every CPU in the target that isn't running yet.
func (h *HV) StartSecondaries() error {
	for i, n := range h.config.Target.CPUs {
		if _, ok := h.started[i]; ok {
			continue
		}
		if err := h.StartSecondary(n.Die(), n.Cluster(), n.Core()); err != nil {
			return err
		}
	}
	return nil
}
