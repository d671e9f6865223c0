package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var Root = &cobra.Command{
	Use:           "hvcorn",
	Short:         "Host side controller for the m1n1 hypervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
	Example:       "  hvcorn run -c target.yaml --symbols kernel.syms\n  hvcorn events trace.hvev --range 0x23b100000:0x4000",
}

var configPath string

func init() {
	Root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
}

// ConfigPath is the --config flag shared by all subcommands.
func ConfigPath() string { return configPath }

func Register(c *cobra.Command) {
	Root.AddCommand(c)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// PrintError prints err, and the innermost stack trace if it carries one.
func PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	var st stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s
		}
	}
	if st == nil {
		return
	}
	var frames [][]string
	for _, f := range st.StackTrace() {
		fileline := fmt.Sprintf("%s:%d", f, f)
		method := fmt.Sprintf("%n", f)
		frames = append(frames, []string{fileline, method})
		if method == "main" {
			break
		}
	}
	width := 0
	for _, f := range frames {
		width = max(width, len(f[0]))
	}
	for _, f := range frames {
		fmt.Fprintf(os.Stderr, "%s%s | %s()\n", f[0], strings.Repeat(" ", width-len(f[0])), f[1])
	}
}

func Main() {
	if err := Root.Execute(); err != nil {
		PrintError(err)
		os.Exit(1)
	}
}
