package events

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hvcorn/hvcorn/go/cmd"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
	"github.com/hvcorn/hvcorn/go/models/trace"
	"github.com/hvcorn/hvcorn/go/ui"
)

func init() {
	var (
		ranges  []string
		symbols string
	)
	c := &cobra.Command{
		Use:   "events <log>",
		Short: "Print a recorded MMIO/IRQ event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			filter, err := ParseRanges(ranges)
			if err != nil {
				return err
			}
			var syms *models.SymbolTable
			if symbols != "" {
				if syms, err = models.LoadSymbols(symbols); err != nil {
					return err
				}
			}
			f, err := os.Open(args[0])
			if err != nil {
				return errors.WithStack(err)
			}
			r, err := trace.NewReader(f)
			if err != nil {
				f.Close()
				return err
			}
			defer r.Close()
			s := ui.NewStreamUI(os.Stdout, syms, term.IsTerminal(int(os.Stdout.Fd())))
			s.Filter = filter
			return s.Replay(r)
		},
	}
	c.Flags().StringSliceVarP(&ranges, "range", "r", nil, "only show MMIO inside start:size (repeatable)")
	c.Flags().StringVarP(&symbols, "symbols", "s", "", "nm style symbol file for PCs")
	cmd.Register(c)
}

// ParseRanges parses start:size pairs.
func ParseRanges(specs []string) ([]rangemap.Range, error) {
	var out []rangemap.Range
	for _, spec := range specs {
		start, size, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, errors.Errorf("range %q: want start:size", spec)
		}
		a, err := strconv.ParseUint(start, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "range %q", spec)
		}
		n, err := strconv.ParseUint(size, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "range %q", spec)
		}
		out = append(out, rangemap.R(a, n))
	}
	return out, nil
}
