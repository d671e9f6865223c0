package hv

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
)

func TestSwitchCPU(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	stop(t, h, r, 1, &models.ExcInfo{ELR: 0x2000})
	stop(t, h, r, 0, &models.ExcInfo{ELR: 0x1000})
	h.Context().ELR = 0x1004

	require.NoError(t, h.SwitchCPU(1))
	assert.Equal(t, 1, h.CPU())
	assert.Equal(t, uint64(0x2000), h.Context().ELR)
	// the context that was let go got committed first
	assert.Equal(t, uint64(0x1004), r.Context(0).ELR)

	r.Reset()
	require.NoError(t, h.SwitchCPU(1))
	assert.Empty(t, r.Calls, "switching to the live cpu is a no-op")
}

func TestSwitchCPUNotStarted(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	stop(t, h, r, 0, &models.ExcInfo{ELR: 0x1000})
	r.Reset()

	err := h.SwitchCPU(1)
	require.Error(t, err)
	assert.Equal(t, ErrCPUNotStarted, errors.Cause(err))
	assert.Empty(t, r.Calls)
	assert.Equal(t, 0, h.CPU())
	assert.Equal(t, uint64(0x1000), h.Context().ELR)
}

func TestSwitchCPUDeliversEvents(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	var log eventLog
	require.NoError(t, h.AddTracer(rangemap.R(0x1000, 0x100), "a", models.TraceAsync, Callbacks{Read: log.fn}))
	stop(t, h, r, 1, &models.ExcInfo{})
	stop(t, h, r, 0, &models.ExcInfo{})
	r.Push(mmioEvent(t, false, 0x1000, 7))

	require.NoError(t, h.SwitchCPU(1))
	assert.Equal(t, 1, h.CPU())
	require.Len(t, log.events, 1)
}

func TestForEachCPU(t *testing.T) {
	h, r := newTestHV(t, testConfig(3))
	stop(t, h, r, 2, &models.ExcInfo{})
	stop(t, h, r, 1, &models.ExcInfo{})
	stop(t, h, r, 0, &models.ExcInfo{})

	var seen []int
	require.NoError(t, h.ForEachCPU(func(cpu int) error {
		assert.Equal(t, cpu, h.CPU())
		seen = append(seen, cpu)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2}, seen)

	// onAllCPUs comes back to where it started
	require.NoError(t, h.SwitchCPU(1))
	require.NoError(t, h.onAllCPUs(func() error { return nil }))
	assert.Equal(t, 1, h.CPU())
}

func TestStartSecondary(t *testing.T) {
	cfg := testConfig(2)
	h, r := newTestHV(t, cfg)
	require.NoError(t, h.Init())
	require.NoError(t, r.Write(cfg.Target.CPUs[1].ImplReg, 0xfff0000800004000, 3))
	h.sysreg.set(1, models.MDSCR_EL1, 0x99)

	require.NoError(t, h.StartSecondary(0, 0, 1))
	assert.Equal(t, uint64(0x800004000), r.Started[1])
	assert.Equal(t, []int{0, 1}, h.StartedCPUs())
	assert.Equal(t, uint64(0), h.sysreg.get(1, models.MDSCR_EL1), "shadow state starts fresh")

	assert.Error(t, h.StartSecondary(0, 1, 0))
}

func TestStartSecondaries(t *testing.T) {
	h, r := newTestHV(t, testConfig(4))
	require.NoError(t, h.Init())
	require.NoError(t, h.StartSecondaries())
	assert.Len(t, r.Started, 3)
	assert.Equal(t, []int{0, 1, 2, 3}, h.StartedCPUs())
}
