package hv

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hvcorn/hvcorn/go/disas"
	"github.com/hvcorn/hvcorn/go/logging"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/rangemap"
	"github.com/hvcorn/hvcorn/go/models/trace"
)

type Options struct {
	Logger   *zerolog.Logger
	Shell    Shell
	Symbols  *models.SymbolTable
	EventLog *trace.TraceWriter
	// where dumps and disassembly go, defaults to config.Output
	Output io.Writer
	// tracer presets are reloaded from here when it changes
	Presets *PresetWatcher
	// zero means a fresh one
	Session uuid.UUID
}

// HV is the host half of the hypervisor. It owns the tracer registry and the
// live guest context, and is only ever driven from one goroutine: Run, and
// the shell and callbacks Run calls into. Interrupt is the exception.
type HV struct {
	r       models.Remote
	config  *models.Config
	log     zerolog.Logger
	out     io.Writer
	color   bool
	session uuid.UUID

	maps         *rangemap.RangeMap[string, *Tracer]
	dirty        rangemap.BoolRangeMap
	printer      *PrintTracer
	presets      *PresetWatcher
	// idents registered from config presets, replaced as a set on reload
	presetIdents []string
	irqHooks     map[int][]IRQFunc
	vmHooks      []*vmHook

	// live context, only valid while the guest is stopped
	ctx      *models.ExcInfo
	ctxAddr  uint64
	ctxSaved []byte
	exc      *models.Notification

	switching bool
	inShell   bool
	exited    bool
	runCtx    context.Context
	intr      *Interrupter
	evlog     *trace.TraceWriter

	msr          *msrPolicy
	sysreg       shadowRegs
	started      map[int]models.CPUNode
	syncHandlers map[uint64]func() (bool, error)
	hypercalls   map[uint64]HypercallFunc

	bps [numBreakpoints]*hwBreakpoint
	// breakpoints waiting for the first stop to be armed
	deferredBPs []*models.Breakpoint
	wps [numWatchpoints]*watchpoint

	vectors  []vector
	vbar     uint64
	wantVBAR uint64

	dis   *disas.Cache
	syms  *models.SymbolTable
	regs  models.RegDiff
	shell Shell
}

func New(r models.Remote, config *models.Config, opts Options) (*HV, error) {
	if config == nil {
		config = models.DefaultConfig()
	}
	policy, err := newMSRPolicy(config)
	if err != nil {
		return nil, err
	}
	log := logging.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	out := opts.Output
	if out == nil {
		out = config.Output
	}
	if out == nil {
		out = os.Stderr
	}
	session := opts.Session
	if session == uuid.Nil {
		session = uuid.New()
	}
	h := &HV{
		r:          r,
		config:     config,
		log:        log.With().Str("session", session.String()).Logger(),
		out:        out,
		color:      config.Color,
		session:    session,
		maps:       rangemap.New[string, *Tracer](),
		presets:    opts.Presets,
		irqHooks:   make(map[int][]IRQFunc),
		runCtx:     context.Background(),
		intr:       NewInterrupter(r.Kick),
		evlog:      opts.EventLog,
		msr:        policy,
		sysreg:     make(shadowRegs),
		started:    make(map[int]models.CPUNode),
		hypercalls: make(map[uint64]HypercallFunc),
		// index 0 is never a valid hvc vector
		vectors:    make([]vector, 1),
		dis:        disas.NewCache(),
		syms:       opts.Symbols,
		shell:      opts.Shell,
	}
	h.printer = newPrintTracer(h.log, h)
	h.syncHandlers = h.newSyncHandlers()
	return h, nil
}

// Init registers the configured static ranges and presets and pushes the
// initial stage 2 mapping. The boot CPU counts as started.
func (h *HV) Init() error {
	node := models.CPUNode{}
	if len(h.config.Target.CPUs) > 0 {
		node = h.config.Target.CPUs[0]
	}
	h.started[0] = node
	h.sysreg.reset(0)

	for _, rs := range h.config.Reserved {
		if err := h.Reserve(rangemap.R(rs.Start, rs.Size)); err != nil {
			return err
		}
	}
	for _, rs := range h.config.Passthru {
		if err := h.Map(rangemap.R(rs.Start, rs.Size)); err != nil {
			return err
		}
	}
	if err := h.ApplyPresets(h.config.Tracers); err != nil {
		return err
	}
	return h.PTUpdate()
}

// Run dispatches frames from the monitor until the shell exits the guest,
// ctx is cancelled or the session breaks.
func (h *HV) Run(ctx context.Context) error {
	h.runCtx = ctx
	defer func() { h.runCtx = context.Background() }()
	for !h.exited {
		f, err := h.recv(ctx)
		if err != nil {
			return errors.Wrap(err, "recv")
		}
		switch f := f.(type) {
		case *models.Event:
			if err := h.HandleEvent(f); err != nil {
				return err
			}
		case *models.Notification:
			if err := h.handleNotification(f); err != nil {
				return err
			}
		default:
			return models.NewProtocolError("unexpected frame %T", f)
		}
	}
	return nil
}

func (h *HV) Config() *models.Config       { return h.config }
func (h *HV) Remote() models.Remote        { return h.r }
func (h *HV) Logger() *zerolog.Logger      { return &h.log }
func (h *HV) Symbols() *models.SymbolTable { return h.syms }
func (h *HV) Session() uuid.UUID           { return h.session }
func (h *HV) Output() io.Writer            { return h.out }
func (h *HV) Exited() bool                 { return h.exited }

func (h *HV) SetShell(s Shell)                 { h.shell = s }
func (h *HV) SetSymbols(s *models.SymbolTable) { h.syms = s }

// Notification is the trap being handled, nil while the guest runs.
func (h *HV) Notification() *models.Notification {
	return h.exc
}

// Reboot hard reboots the target. The session is over afterwards.
func (h *HV) Reboot() error {
	h.exited = true
	return errors.Wrap(h.r.Reboot(), "reboot")
}
