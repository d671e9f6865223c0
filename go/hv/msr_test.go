package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
)

func TestMSRShadowPerCPU(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	ctx := &models.ExcInfo{ELR: 0x1000}
	ctx.Regs[1] = 0x1234
	stop(t, h, r, 0, ctx)
	handled, err := h.handleMSR(msrISS(models.MDSCR_EL1, 1, false))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, uint64(0x1004), h.Context().ELR)
	_, touched := r.Sysregs[models.MDSCR_EL1]
	assert.False(t, touched, "shadowed registers never reach the hardware")

	stop(t, h, r, 1, &models.ExcInfo{ELR: 0x2000})
	_, err = h.handleMSR(msrISS(models.MDSCR_EL1, 2, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.Context().Regs[2], "cpu 1 has its own shadow")

	stop(t, h, r, 0, &models.ExcInfo{ELR: 0x1004})
	_, err = h.handleMSR(msrISS(models.MDSCR_EL1, 2, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), h.Context().Regs[2])
}

func TestMSRPassthroughRedirect(t *testing.T) {
	h, r := newTestHV(t, nil)
	ctx := &models.ExcInfo{}
	ctx.Regs[5] = 0x30d0180d
	stop(t, h, r, 0, ctx)
	_, err := h.handleMSR(msrISS(models.SCTLR_EL1, 5, false))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x30d0180d), r.Sysregs[models.SCTLR_EL12])
	assert.Equal(t, 1, r.Count("msr:SCTLR_EL12"))

	r.Sysregs[models.TCR_EL12] = 0x42
	_, err = h.handleMSR(msrISS(models.TCR_EL1, 7, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), h.Context().Regs[7])
	assert.Equal(t, uint64(8), h.Context().ELR)
}

func TestMSRReadOnlyAndSkip(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sysregs.Skip = []string{"s3_4_c15_c10_4"}
	h, r := newTestHV(t, cfg)
	ctx := &models.ExcInfo{}
	ctx.Regs[0] = 0xffff
	ctx.Regs[3] = 0xdead
	stop(t, h, r, 0, ctx)

	_, err := h.handleMSR(msrISS(models.ACC_CFG_EL1, 0, false))
	require.NoError(t, err)
	_, written := r.Sysregs[models.ACC_CFG_EL1]
	assert.False(t, written)

	skipped := models.S(3, 4, 15, 10, 4)
	_, err = h.handleMSR(msrISS(skipped, 3, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.Context().Regs[3])
	assert.Equal(t, 0, r.Count("mrs:"+skipped.String()))
}

func TestMSRZeroRegister(t *testing.T) {
	h, r := newTestHV(t, nil)
	stop(t, h, r, 0, &models.ExcInfo{})
	_, err := h.handleMSR(msrISS(models.VBAR_EL1, models.XZR, false))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Sysregs[models.VBAR_EL12])
}

func TestMSRDCacheTranslated(t *testing.T) {
	h, r := newTestHV(t, nil)
	ctx := &models.ExcInfo{}
	ctx.Regs[4] = 0x800004000
	stop(t, h, r, 0, ctx)
	_, err := h.handleMSR(msrISS(models.DC_CIVAC, 4, false))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count("translate"))
	assert.Equal(t, uint64(0x800004000), r.Sysregs[models.DC_CIVAC])
}

func TestMSRCoreShutdown(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	ctx := &models.ExcInfo{}
	ctx.Regs[0] = 1
	stop(t, h, r, 1, ctx)
	_, err := h.handleMSR(msrISS(models.CYC_OVRD_EL1, 0, false))
	require.NoError(t, err)
	assert.NotContains(t, h.StartedCPUs(), 1)
	assert.Equal(t, 1, r.Count("exit_cpu"))
	assert.Equal(t, 0, r.Count("msr:"+models.CYC_OVRD_EL1.String()), "power-off never reaches the hardware")
	assert.Equal(t, uint64(4), h.Context().ELR)
}

func TestMSRCycOverrideDropped(t *testing.T) {
	h, r := newTestHV(t, testConfig(2))
	ctx := &models.ExcInfo{}
	ctx.Regs[3] = 0x10
	stop(t, h, r, 1, ctx)
	handled, err := h.handleMSR(msrISS(models.CYC_OVRD_EL1, 3, false))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 0, r.Count("msr:"+models.CYC_OVRD_EL1.String()))
	assert.Equal(t, 0, r.Count("exit_cpu"))
	assert.Contains(t, h.StartedCPUs(), 1)
}

func TestImpdefMSR(t *testing.T) {
	h, r := newTestHV(t, nil)
	ctx := &models.ExcInfo{ESR: esr(models.ECIMPDEF, models.ImpdefISSMSR)}
	ctx.AFSR1 = msrISS(models.VMSA_LOCK_EL1, 1, true)
	ctx.Regs[1] = 0x77
	stop(t, h, r, 0, ctx)
	handled, err := h.handleImpdef()
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, uint64(0), h.Context().Regs[1])

	h.Context().ESR = esr(models.ECIMPDEF, 0x1)
	handled, err = h.handleImpdef()
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestMSRPolicyConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sysregs.Redirect = map[string]string{"s3_0_c15_c0_0": "s3_5_c15_c0_0"}
	p, err := newMSRPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, models.S(3, 5, 15, 0, 0), p.target(models.S(3, 0, 15, 0, 0)))
	assert.Equal(t, models.SCTLR_EL12, p.target(models.SCTLR_EL1))
	assert.Equal(t, models.MDSCR_EL1, p.target(models.MDSCR_EL1))

	cfg.Sysregs.Skip = []string{"NOT_A_REG"}
	_, err = newMSRPolicy(cfg)
	assert.Error(t, err)
}
