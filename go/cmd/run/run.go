package run

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/hvcorn/hvcorn/go/cmd"
	"github.com/hvcorn/hvcorn/go/debug"
	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/logging"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/trace"
	"github.com/hvcorn/hvcorn/go/proxy"
	"github.com/hvcorn/hvcorn/go/ui"
)

type flags struct {
	device    string
	symbols   string
	script    string
	eventLog  string
	logLevel  string
	timeout   time.Duration
	noColor   bool
	secondary bool
	noWatch   bool
	logJSON   bool
	gdb       string
	breaks    []string
}

func init() {
	var f flags
	c := &cobra.Command{
		Use:   "run",
		Short: "Attach to a monitor and run the guest under the hypervisor",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return run(c, &f)
		},
	}
	bindFlags(c.Flags(), &f)
	cmd.Register(c)
}

func bindFlags(fs *pflag.FlagSet, f *flags) {
	fs.StringVarP(&f.device, "device", "d", "", "monitor device: /dev/ttyACM0[:baud] or tcp://host:port")
	fs.StringVarP(&f.symbols, "symbols", "s", "", "nm style symbol file for the guest")
	fs.StringVar(&f.script, "script", "", "lua script to run before the guest starts")
	fs.StringVarP(&f.eventLog, "event-log", "o", "", "record MMIO and IRQ events to this file")
	fs.StringVarP(&f.logLevel, "log-level", "l", "", "trace, debug, info, warn or error")
	fs.DurationVar(&f.timeout, "timeout", 0, "monitor reply timeout")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colors")
	fs.BoolVar(&f.secondary, "start-secondaries", false, "start every configured secondary CPU")
	fs.BoolVar(&f.noWatch, "no-watch", false, "don't reload tracer presets when the config changes")
	fs.BoolVar(&f.logJSON, "log-json", false, "log JSON lines instead of console output")
	fs.StringArrayVarP(&f.breaks, "break", "b", nil, "breakpoint at 0xaddr, sym or sym+off (repeatable)")
	fs.StringVar(&f.gdb, "gdb", "", "serve stops to a gdb client on host:port or a unix socket path")
}

// loadConfig merges the config file with whatever flags were set.
func loadConfig(fs *pflag.FlagSet, f *flags) (*models.Config, error) {
	cfg := models.DefaultConfig()
	if path := cmd.ConfigPath(); path != "" {
		var err error
		if cfg, err = models.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if fs.Changed("device") {
		cfg.Device = f.device
	}
	if fs.Changed("symbols") {
		cfg.Symbols = f.symbols
	}
	if fs.Changed("script") {
		cfg.Script = f.script
	}
	if fs.Changed("event-log") {
		cfg.EventLog = f.eventLog
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	cfg.Breakpoints = append(cfg.Breakpoints, f.breaks...)
	if f.logJSON {
		cfg.Log.Pretty = false
	}
	cfg.Color = !f.noColor && term.IsTerminal(int(os.Stderr.Fd()))
	return cfg, nil
}

func openEventLog(path string, session uuid.UUID, device string) (*trace.TraceWriter, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "event log")
	}
	w, err := trace.NewWriter(f, session, device)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func run(c *cobra.Command, f *flags) error {
	cfg, err := loadConfig(c.Flags(), f)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Color:  cfg.Color,
		Output: os.Stderr,
	})

	p, err := proxy.Dial(cfg.Device, proxy.Options{
		Timeout:        cfg.Timeout,
		Console:        os.Stderr,
		Logger:         &log,
		MonitorVersion: cfg.MonitorVersion,
	})
	if err != nil {
		return errors.Wrapf(err, "connect to %s", cfg.Device)
	}
	defer p.Close()

	var syms *models.SymbolTable
	if cfg.Symbols != "" {
		if syms, err = models.LoadSymbols(cfg.Symbols); err != nil {
			return err
		}
	}
	session := uuid.New()
	evlog, err := openEventLog(cfg.EventLog, session, cfg.Device)
	if err != nil {
		return err
	}
	if evlog != nil {
		defer evlog.Close()
	}
	var watcher *hv.PresetWatcher
	if path := cmd.ConfigPath(); path != "" && !f.noWatch {
		if watcher, err = hv.NewPresetWatcher(path, log); err != nil {
			return err
		}
		defer watcher.Close()
	}

	h, err := hv.New(p, cfg, hv.Options{
		Logger:   &log,
		Symbols:  syms,
		EventLog: evlog,
		Presets:  watcher,
		Session:  session,
	})
	if err != nil {
		return err
	}
	shell, err := ui.NewShell(h)
	if err != nil {
		return err
	}
	defer shell.Close()
	h.SetShell(shell)
	if f.gdb != "" {
		stub, err := debug.Listen(f.gdb)
		if err != nil {
			return err
		}
		defer stub.Close()
		h.SetShell(stub)
	}

	log.Info().
		Str("session", session.String()).
		Str("device", cfg.Device).
		Str("monitor", p.MonitorVersion()).
		Msg("attached")
	if err := h.Init(); err != nil {
		return err
	}
	if cfg.Target.PatchVectors {
		if err := h.PatchVectors(); err != nil {
			return err
		}
	}
	for _, desc := range cfg.Breakpoints {
		if err := h.BreakAt(desc); err != nil {
			return err
		}
	}
	if f.secondary {
		if err := h.StartSecondaries(); err != nil {
			return err
		}
	}
	if cfg.Script != "" {
		if err := shell.RunScript(cfg.Script); err != nil {
			return err
		}
	}
	return dispatch(h, watcher, log)
}

// dispatch runs the guest until it exits. SIGINT drops into the shell at
// the next opportunity instead of killing the session.
func dispatch(h *hv.HV, watcher *hv.PresetWatcher, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		for {
			select {
			case <-sigs:
				if err := h.Interrupt(); err != nil {
					log.Error().Err(err).Msg("interrupt")
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		return h.Run(ctx)
	})
	err := g.Wait()
	if err == nil {
		log.Info().Msg("guest exited")
	}
	return err
}
