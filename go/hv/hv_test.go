package hv

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/mock"
)

const ctxBase = 0x10000

func ctxAddr(cpu int) uint64 { return ctxBase + uint64(cpu)*0x1000 }

func testConfig(cpus int) *models.Config {
	cfg := models.DefaultConfig()
	cfg.Output = io.Discard
	for i := 0; i < cpus; i++ {
		cfg.Target.CPUs = append(cfg.Target.CPUs, models.CPUNode{
			Reg:     models.CPUReg(0, 0, i),
			ImplReg: 0x210050000 + uint64(i)*0x100,
		})
	}
	return cfg
}

func newTestHV(t *testing.T, cfg *models.Config) (*HV, *mock.Remote) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(1)
	}
	r := mock.New()
	h, err := New(r, cfg, Options{Output: io.Discard})
	require.NoError(t, err)
	return h, r
}

// stop makes ctx the live context of cpu, as if the monitor had just
// reported a lower EL synchronous exception on it.
func stop(t *testing.T, h *HV, r *mock.Remote, cpu int, ctx *models.ExcInfo) {
	t.Helper()
	r.PutContext(cpu, ctxAddr(cpu), ctx)
	h.started[cpu] = models.CPUNode{Reg: models.CPUReg(0, 0, cpu)}
	require.NoError(t, h.loadContext(ctxAddr(cpu)))
	h.exc = &models.Notification{Reason: models.StartExceptionLower, Code: uint32(models.ExcSync), Info: ctxAddr(cpu)}
}

func esr(ec, iss uint64) uint64 {
	return ec<<26 | 1<<25 | iss
}

func msrISS(reg models.SysReg, rt int, read bool) uint64 {
	iss := uint64(reg.Op0)<<20 | uint64(reg.Op2)<<17 | uint64(reg.Op1)<<14 |
		uint64(reg.CRn)<<10 | uint64(rt)<<5 | uint64(reg.CRm)<<1
	if read {
		iss |= 1
	}
	return iss
}

func putHookData(t *testing.T, r *mock.Remote, addr uint64, data *models.VMProxyHookData) {
	t.Helper()
	p, err := models.Pack(data)
	require.NoError(t, err)
	require.NoError(t, r.WriteMem(addr, p))
}

func getHookData(t *testing.T, r *mock.Remote, addr uint64) *models.VMProxyHookData {
	t.Helper()
	p, err := r.ReadMem(addr, models.Sizeof(&models.VMProxyHookData{}))
	require.NoError(t, err)
	var data models.VMProxyHookData
	require.NoError(t, models.Unpack(p, &data))
	return &data
}

type eventLog struct {
	events []models.MMIOEvent
}

func (l *eventLog) fn(ev *models.MMIOEvent) error {
	l.events = append(l.events, *ev)
	return nil
}

func TestCommitWritesOnce(t *testing.T) {
	h, r := newTestHV(t, nil)
	stop(t, h, r, 0, &models.ExcInfo{ELR: 0x1000})
	r.Reset()

	require.NoError(t, h.commit())
	require.Equal(t, 0, r.Writes, "unchanged context must not be written")

	h.Context().ELR += 4
	h.Context().SetReg(3, 0x55)
	require.NoError(t, h.commit())
	require.NoError(t, h.commit())
	require.Equal(t, 1, r.Writes)

	got := r.Context(0)
	require.Equal(t, uint64(0x1004), got.ELR)
	require.Equal(t, uint64(0x55), got.Regs[3])
}

func TestInterrupterKicksOnce(t *testing.T) {
	kicks := 0
	i := NewInterrupter(func() error {
		kicks++
		return nil
	})
	require.NoError(t, i.Interrupt())
	assert.Equal(t, 0, kicks, "nothing to kick while idle")

	i.enter()
	require.NoError(t, i.Interrupt())
	require.NoError(t, i.Interrupt())
	i.leave()
	assert.Equal(t, 1, kicks)
	assert.True(t, i.Take())
	assert.False(t, i.Take())

	i.enter()
	require.NoError(t, i.Interrupt())
	i.leave()
	assert.Equal(t, 2, kicks)
}

func TestRecvKicksPendingInterrupt(t *testing.T) {
	h, r := newTestHV(t, nil)
	require.NoError(t, h.Interrupt())
	r.Push(&models.Notification{Reason: models.StartHV, Code: uint32(models.HvUserInterrupt)})
	_, err := h.recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Kicks())
	assert.True(t, h.intr.Pending())
}
