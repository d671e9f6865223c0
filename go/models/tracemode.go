package models

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TraceMode orders how intrusively a range is intercepted. When several
// tracers overlap, the highest mode decides how the range is mapped.
type TraceMode uint8

const (
	TraceOff      TraceMode = iota // hardware passthrough
	TraceBypass                    // software mapped, no trace flags
	TraceAsync                     // software mapped, async MMIO events
	TraceUnbuf                     // async, unbuffered
	TraceWSync                     // synchronous writes, async reads
	TraceSync                      // synchronous, value proxied by the host
	TraceHook                      // synchronous, value produced by a callback
	TraceReserved                  // never mapped
)

var traceModeNames = []string{"OFF", "BYPASS", "ASYNC", "UNBUF", "WSYNC", "SYNC", "HOOK", "RESERVED"}

func (m TraceMode) String() string {
	if int(m) < len(traceModeNames) {
		return traceModeNames[m]
	}
	return "INVALID"
}

// Synchronous reports whether accesses stop the guest.
func (m TraceMode) Synchronous() bool {
	return m >= TraceWSync && m <= TraceHook
}

func ParseTraceMode(s string) (TraceMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, name := range traceModeNames {
		if s == name {
			return TraceMode(i), nil
		}
	}
	return 0, errors.Errorf("unknown trace mode %q", s)
}

func (m TraceMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m *TraceMode) UnmarshalYAML(node *yaml.Node) error {
	mode, err := ParseTraceMode(node.Value)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
