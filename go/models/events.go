package models

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// MMIOFlags is the flags word shared by MMIO trace records and VM hook
// descriptors.
//
//	31-24 ATTR  23-16 CPU  15-14 SH  6 MULTI  5 WRITE  4-0 WIDTH (log2 bytes)
type MMIOFlags uint32

const (
	mmioWidthMask  = 0x1f
	mmioWrite      = 1 << 5
	mmioMulti      = 1 << 6
	mmioShShift    = 14
	mmioCPUShift   = 16
	mmioAttrShift  = 24
	mmioFieldMask8 = 0xff
)

func (f MMIOFlags) Width() int  { return int(f & mmioWidthMask) }
func (f MMIOFlags) Write() bool { return f&mmioWrite != 0 }
func (f MMIOFlags) Multi() bool { return f&mmioMulti != 0 }
func (f MMIOFlags) SH() int     { return int(f>>mmioShShift) & 3 }
func (f MMIOFlags) CPU() int    { return int(f>>mmioCPUShift) & mmioFieldMask8 }
func (f MMIOFlags) Attr() int   { return int(f>>mmioAttrShift) & mmioFieldMask8 }

// Words is the number of 64-bit words the access covers.
func (f MMIOFlags) Words() int {
	return 1 << max(0, f.Width()-3)
}

func (f MMIOFlags) Short() string {
	dir := "R"
	if f.Write() {
		dir = "W"
	}
	return fmt.Sprintf("%s.%d", dir, 8<<f.Width())
}

func (f MMIOFlags) WithWidth(w int) MMIOFlags {
	return f&^mmioWidthMask | MMIOFlags(w&mmioWidthMask)
}

func (f MMIOFlags) WithCPU(cpu int) MMIOFlags {
	return f&^(mmioFieldMask8<<mmioCPUShift) | MMIOFlags(cpu&mmioFieldMask8)<<mmioCPUShift
}

func (f MMIOFlags) WithMulti(multi bool) MMIOFlags {
	if multi {
		return f | mmioMulti
	}
	return f &^ mmioMulti
}

func NewMMIOFlags(write bool, width int) MMIOFlags {
	f := MMIOFlags(width & mmioWidthMask)
	if write {
		f |= mmioWrite
	}
	return f
}

// EvtMMIOTrace is the payload of an asynchronous MMIOTRACE event frame.
type EvtMMIOTrace struct {
	Flags    MMIOFlags `struc:"uint32"`
	Reserved uint32    `struc:"uint32"`
	PC       uint64    `struc:"uint64"`
	Addr     uint64    `struc:"uint64"`
	Data     uint64    `struc:"uint64"`
}

// IRQTraceEnable turns reporting on for HV_TRACE_IRQ; zero turns it off.
const IRQTraceEnable uint32 = 1

// EvtIRQTrace is the payload of an IRQTRACE event frame.
type EvtIRQTrace struct {
	Flags uint32 `struc:"uint32"`
	Type  uint16 `struc:"uint16"`
	Num   uint16 `struc:"uint16"`
}

func (e *EvtIRQTrace) String() string {
	return fmt.Sprintf("IRQ: type=%d num=%d flags=0x%x", e.Type, e.Num, e.Flags)
}

// VMProxyHookData describes one synchronous access trapped by a hook mapping.
type VMProxyHookData struct {
	Flags MMIOFlags `struc:"uint32"`
	ID    uint32    `struc:"uint32"`
	Addr  uint64    `struc:"uint64"`
	Data  [8]uint64 `struc:"[8]uint64"`
}

func Unpack(p []byte, v interface{}) error {
	return errors.WithStack(struc.UnpackWithOptions(bytes.NewReader(p), v, LE))
}

func Pack(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, v, LE); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func Sizeof(v interface{}) int {
	n, err := struc.SizeofWithOptions(v, LE)
	if err != nil {
		panic(err)
	}
	return n
}

// MMIOEvent is a single word-sized access as handed to tracer callbacks.
type MMIOEvent struct {
	Flags MMIOFlags
	PC    uint64
	Addr  uint64
	Data  uint64
}

func (e *MMIOEvent) CPU() int    { return e.Flags.CPU() }
func (e *MMIOEvent) Width() int  { return e.Flags.Width() }
func (e *MMIOEvent) Write() bool { return e.Flags.Write() }
func (e *MMIOEvent) Multi() bool { return e.Flags.Multi() }

func (e *MMIOEvent) String() string {
	return fmt.Sprintf("[cpu%d] [0x%x] MMIO: %s 0x%x = 0x%x", e.CPU(), e.PC, e.Flags.Short(), e.Addr, e.Data)
}
