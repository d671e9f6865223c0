package ui

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
	"github.com/hvcorn/hvcorn/go/models/trace"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func eventLog(t *testing.T) *trace.TraceReader {
	t.Helper()
	var buf bytes.Buffer
	w, err := trace.NewWriter(nopCloser{&buf}, uuid.New(), "/dev/ttyACM0")
	require.NoError(t, err)
	for i, addr := range []uint64{0x23b100000, 0x23b100004, 0x235200000} {
		p, err := models.Pack(&models.EvtMMIOTrace{
			Flags: models.NewMMIOFlags(i == 1, 2).WithCPU(1),
			PC:    0x8010,
			Addr:  addr,
			Data:  uint64(i),
		})
		require.NoError(t, err)
		require.NoError(t, w.Write(models.EventMMIOTrace, p))
	}
	p, err := models.Pack(&models.EvtIRQTrace{Flags: 1, Type: 1, Num: 42})
	require.NoError(t, err)
	require.NoError(t, w.Write(models.EventIRQTrace, p))
	require.NoError(t, w.Close())
	r, err := trace.NewReader(io.NopCloser(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestStreamReplay(t *testing.T) {
	var out bytes.Buffer
	syms := models.NewSymbolTable([]models.Symbol{{Name: "uart_putc", Start: 0x8000, End: 0x8100}})
	s := NewStreamUI(&out, syms, false)
	require.NoError(t, s.Replay(eventLog(t)))
	text := out.String()
	assert.Contains(t, text, "on /dev/ttyACM0")
	assert.Contains(t, text, "[cpu1] uart_putc+0x10")
	assert.Contains(t, text, "R.32 0x23b100000 = 0x0")
	assert.Contains(t, text, "W.32 0x23b100004 = 0x1")
	assert.Contains(t, text, "IRQ: type=1 num=42")
	assert.Contains(t, text, "[3 mmio, 1 irq events]")
}

func TestStreamFilter(t *testing.T) {
	var out bytes.Buffer
	s := NewStreamUI(&out, nil, false)
	s.Filter = []rangemap.Range{rangemap.R(0x23b100000, 0x1000)}
	require.NoError(t, s.Replay(eventLog(t)))
	text := out.String()
	assert.NotContains(t, text, "0x235200000")
	assert.Contains(t, text, "[2 mmio, 1 irq events, 1 filtered]")
}
