package models

import (
	"context"
	"fmt"
)

// Notification is one trap or hypervisor event reported by the monitor. Info
// points at the saved ExcInfo in target memory.
type Notification struct {
	Reason StartReason
	Code   uint32
	Info   uint64
}

func (n *Notification) String() string {
	switch n.Reason {
	case StartException, StartExceptionLower:
		return fmt.Sprintf("%s/%s info=0x%x", n.Reason, ExcType(n.Code), n.Info)
	case StartHV:
		return fmt.Sprintf("%s/%s info=0x%x", n.Reason, HvEvent(n.Code), n.Info)
	}
	return fmt.Sprintf("%s/%d info=0x%x", n.Reason, n.Code, n.Info)
}

// Event is an asynchronous, after-the-fact event frame.
type Event struct {
	Type EventType
	Data []byte
}

// Frame is either a *Notification or an *Event.
type Frame interface{}

// CallLevel selects the exception level a host-side primitive runs at.
type CallLevel int

const (
	CallEL2 CallLevel = iota
	CallEL1
	CallEL0
	CallGL2
)

func (c CallLevel) String() string {
	return [...]string{"EL2", "EL1", "EL0", "GL2"}[c]
}

// Remote is everything the controller needs from the monitor. Every method is
// a blocking round trip; asynchronous events that arrive while waiting are
// queued and returned by Recv.
type Remote interface {
	// Recv blocks until the next notification or event frame.
	Recv(ctx context.Context) (Frame, error)
	// Kick forces the monitor out of a blocking wait. Safe to call from any goroutine.
	Kick() error

	ReadMem(addr uint64, size int) ([]byte, error)
	WriteMem(addr uint64, p []byte) error
	// Read and Write perform a single access of 1<<width bytes (width <= 3).
	Read(addr uint64, width int) (uint64, error)
	Write(addr uint64, val uint64, width int) error

	// Exit resumes the guest.
	Exit(ret ExcResult) error
	Map(ipa, pa, size uint64, incr bool) error
	Translate(va uint64, stage1, write bool) (uint64, error)
	// Inst executes one instruction at EL2.
	Inst(insn uint32) error
	// SyncICache makes code written to [addr, addr+size) visible to
	// instruction fetch (dc cvau + ic ivau).
	SyncICache(addr, size uint64) error
	SysRegRead(reg SysReg, level CallLevel) (uint64, error)
	SysRegWrite(reg SysReg, val uint64, level CallLevel) error

	StartSecondary(cpu int, entry uint64) error
	SwitchCPU(cpu int) (bool, error)
	PinCPU(cpu uint64) error
	ExitCPU() error
	TraceIRQ(die, num, count int, flags uint32) error

	Reboot() error
}
