package models

import (
	"fmt"
)

// StartReason is why the monitor handed control to the host.
type StartReason uint32

const (
	StartBoot StartReason = iota
	StartException
	StartExceptionLower
	StartHV
)

func (s StartReason) String() string {
	switch s {
	case StartBoot:
		return "BOOT"
	case StartException:
		return "EXCEPTION"
	case StartExceptionLower:
		return "EXCEPTION_LOWER"
	case StartHV:
		return "HV"
	}
	return fmt.Sprintf("START(%d)", uint32(s))
}

type ExcType uint32

const (
	ExcSync ExcType = iota
	ExcIRQ
	ExcFIQ
	ExcSError
)

func (e ExcType) String() string {
	switch e {
	case ExcSync:
		return "SYNC"
	case ExcIRQ:
		return "IRQ"
	case ExcFIQ:
		return "FIQ"
	case ExcSError:
		return "SERROR"
	}
	return fmt.Sprintf("EXC(%d)", uint32(e))
}

// HvEvent is the code of a StartHV notification.
type HvEvent uint32

const (
	HvHookVM HvEvent = iota + 1
	HvVTimer
	HvUserInterrupt
	HvWdtBark
	HvCPUSwitch
	HvVirtio
	HvPanic
)

func (h HvEvent) String() string {
	names := []string{"", "HOOK_VM", "VTIMER", "USER_INTERRUPT", "WDT_BARK", "CPU_SWITCH", "VIRTIO", "PANIC"}
	if int(h) > 0 && int(h) < len(names) {
		return names[h]
	}
	return fmt.Sprintf("HV_EVENT(%d)", uint32(h))
}

// ExcResult is the value handed back to the monitor to resume the guest.
type ExcResult uint64

const (
	ExcUnhandled ExcResult = iota + 1
	ExcHandled
	ExcExitGuest
	ExcStep
)

// EventType tags asynchronous event frames.
type EventType uint16

const (
	EventMMIOTrace EventType = iota + 1
	EventIRQTrace
)

func (e EventType) String() string {
	switch e {
	case EventMMIOTrace:
		return "MMIOTRACE"
	case EventIRQTrace:
		return "IRQTRACE"
	}
	return fmt.Sprintf("EVENT(%d)", uint16(e))
}
