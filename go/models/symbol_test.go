package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nmOutput = `fffffe0007004000 T _start
fffffe0007004100 t loop
fffffe0007004200 T main
garbage
`

func TestReadSymbols(t *testing.T) {
	syms, err := ReadSymbols(strings.NewReader(nmOutput))
	require.NoError(t, err)
	assert.Equal(t, "_start", syms.Symbolicate(0xfffffe0007004000))
	assert.Equal(t, "loop+0x10", syms.Symbolicate(0xfffffe0007004110))
	assert.Equal(t, "main+0x1000", syms.Symbolicate(0xfffffe0007005200), "the last symbol has no end")
	assert.Equal(t, "0x1000", syms.Symbolicate(0x1000))

	sym, ok := syms.Find("loop")
	require.True(t, ok)
	assert.Equal(t, uint64(0xfffffe0007004200), sym.End)

	var none *SymbolTable
	assert.Equal(t, "0x10", none.Symbolicate(0x10))

	_, err = ReadSymbols(strings.NewReader("zz T bad\n"))
	assert.Error(t, err)
}

func TestBreakpointDescriptors(t *testing.T) {
	syms := NewSymbolTable([]Symbol{{Name: "loop", Start: 0x8100}})
	for desc, want := range map[string]uint64{
		"0x8000":    0x8000,
		"*0x8004":   0x8004,
		"loop":      0x8100,
		"loop+0x10": 0x8110,
		"loop+8":    0x8108,
	} {
		bp, err := ParseBreakpoint(desc)
		require.NoError(t, err, desc)
		addr, err := bp.Resolve(syms)
		require.NoError(t, err, desc)
		assert.Equal(t, want, addr, desc)
	}
	_, err := ParseBreakpoint("loop+zz")
	assert.ErrorIs(t, err, BreakpointParseErr)

	bp, err := ParseBreakpoint("missing")
	require.NoError(t, err)
	_, err = bp.Resolve(syms)
	assert.Error(t, err)
	_, err = bp.Resolve(nil)
	assert.Error(t, err)
}

func TestHexDump(t *testing.T) {
	lines := HexDump(0x1000, []byte("hello, world!\x00\x01\x02abc"))
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0000000000001000  68656c6c6f2c2077"))
	assert.True(t, strings.HasSuffix(lines[0], "|hello, world!...|"))
	assert.True(t, strings.HasSuffix(lines[1], "|abc|"))
}

func TestTraceModes(t *testing.T) {
	m, err := ParseTraceMode(" wsync ")
	require.NoError(t, err)
	assert.Equal(t, TraceWSync, m)
	assert.True(t, m.Synchronous())
	assert.False(t, TraceAsync.Synchronous())
	assert.False(t, TraceReserved.Synchronous())
	assert.True(t, TraceHook > TraceSync, "modes are ordered by intrusiveness")
	assert.Equal(t, "INVALID", TraceMode(42).String())
	_, err = ParseTraceMode("loud")
	assert.Error(t, err)
}

func TestMMIOFlags(t *testing.T) {
	f := NewMMIOFlags(true, 2).WithCPU(5).WithMulti(true)
	assert.True(t, f.Write())
	assert.True(t, f.Multi())
	assert.Equal(t, 5, f.CPU())
	assert.Equal(t, 2, f.Width())
	assert.Equal(t, "W.32", f.Short())
	assert.Equal(t, 1, f.Words())
	assert.Equal(t, 8, f.WithWidth(6).Words())
}
