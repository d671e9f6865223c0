package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hvcorn/hvcorn/go/models"
)

// Proxy opcodes understood by the monitor.
const (
	pNop      = 0x000
	pExit     = 0x001
	pCall     = 0x002
	pGetBase  = 0x004
	pEL0Call  = 0x009
	pEL1Call  = 0x00a
	pGL2Call  = 0x00d
	pReboot   = 0x010
	pWrite64  = 0x100
	pRead64   = 0x104
	pICIVAU   = 0x302
	pDCCVAU   = 0x309
	pMemalign = 0x602

	pHvMap            = 0xc01
	pHvTranslate      = 0xc03
	pHvTraceIRQ       = 0xc06
	pHvStartSecondary = 0xc08
	pHvSwitchCPU      = 0xc09
	pHvPinCPU         = 0xc0b
	pHvExitCPU        = 0xc0f
)

// Executable aliases of the heap for code run below EL2.
const (
	regionRWXEL0 = 0x8000000000
	regionRXEL1  = 0xa000000000
)

const (
	insnRet     = 0xd65f03c0
	scratchSize = 0x40
	kickByte    = '!'
)

var opNames = map[uint64]string{
	pNop: "nop", pExit: "exit", pCall: "call", pGetBase: "get_base",
	pEL0Call: "el0_call", pEL1Call: "el1_call", pGL2Call: "gl2_call",
	pReboot: "reboot", pICIVAU: "ic_ivau", pDCCVAU: "dc_cvau", pMemalign: "memalign",
	pHvMap: "hv_map", pHvTranslate: "hv_translate", pHvTraceIRQ: "hv_trace_irq",
	pHvStartSecondary: "hv_start_secondary", pHvSwitchCPU: "hv_switch_cpu",
	pHvPinCPU: "hv_pin_cpu", pHvExitCPU: "hv_exit_cpu",
}

func opName(op uint64) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	switch {
	case op >= pWrite64 && op < pRead64:
		return fmt.Sprintf("write%d", 64>>(op-pWrite64))
	case op >= pRead64 && op < pRead64+4:
		return fmt.Sprintf("read%d", 64>>(op-pRead64))
	}
	return fmt.Sprintf("op_0x%x", op)
}

// requests that are safe to send twice
var idempotent = map[uint64]bool{
	pNop: true, pGetBase: true, pHvTranslate: true, pDCCVAU: true, pICIVAU: true,
	pRead64: true, pRead64 + 1: true, pRead64 + 2: true, pRead64 + 3: true,
	pWrite64: true, pWrite64 + 1: true, pWrite64 + 2: true, pWrite64 + 3: true,
	pHvMap: true, pHvPinCPU: true, pHvTraceIRQ: true,
}

type proxyRequest struct {
	Opcode uint64
	Args   [6]uint64
}

type proxyReply struct {
	Opcode uint64
	Status int64
	Retval uint64
}

type Options struct {
	Timeout time.Duration
	// Console receives monitor output that is not protocol traffic.
	Console io.Writer
	Logger  *zerolog.Logger
	// semver constraint the monitor banner must satisfy, if one is seen
	MonitorVersion string
}

// Proxy drives the monitor over a Conn. It implements models.Remote; every
// method except Kick must be called from one goroutine.
type Proxy struct {
	u       *uart
	conn    Conn
	log     zerolog.Logger
	want    string
	checked string

	// code stub used for single instructions and system register access
	scratch uint64
}

func New(conn Conn, opts Options) *Proxy {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "proxy").Logger()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Proxy{
		u:    newUart(conn, opts.Timeout, log, opts.Console),
		conn: conn,
		log:  log,
		want: opts.MonitorVersion,
	}
}

// Dial opens device and performs the connection handshake.
func Dial(device string, opts Options) (*Proxy, error) {
	conn, err := Open(device, opts.Timeout)
	if err != nil {
		return nil, err
	}
	p := New(conn, opts)
	if err := p.Connect(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Connect checks the monitor answers and sets up the scratch area.
func (p *Proxy) Connect() error {
	rep, err := p.u.command(reqNop, make([]byte, 8), true)
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	if rep.Status != stOK {
		return errors.WithStack(&models.RemoteError{Op: "nop", Status: int64(rep.Status)})
	}
	if err := p.checkVersion(); err != nil {
		return err
	}
	p.scratch, err = p.request(pMemalign, 0x40, scratchSize)
	if err != nil {
		return errors.Wrap(err, "failed to allocate scratch")
	}
	if p.scratch == 0 {
		return errors.New("monitor heap is exhausted")
	}
	p.log.Debug().Str("scratch", fmt.Sprintf("0x%x", p.scratch)).Msg("connected")
	return nil
}

func (p *Proxy) checkVersion() error {
	v := p.u.console.Version()
	if v == "" || v == p.checked {
		return nil
	}
	p.checked = v
	p.log.Info().Str("version", v).Msg("monitor")
	return CheckVersion(v, p.want)
}

func (p *Proxy) MonitorVersion() string { return p.u.console.Version() }
func (p *Proxy) Close() error           { return p.conn.Close() }

func (p *Proxy) request(op uint64, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, errors.Errorf("%s: too many arguments", opName(op))
	}
	req := proxyRequest{Opcode: op}
	copy(req.Args[:], args)
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &req, models.LE); err != nil {
		return 0, errors.WithStack(err)
	}
	rep, err := p.u.command(reqProxy, buf.Bytes(), idempotent[op])
	if err != nil {
		return 0, errors.Wrap(err, opName(op))
	}
	if rep.Status != stOK {
		return 0, errors.Wrapf(&models.RemoteError{Op: opName(op), Status: int64(rep.Status)}, "uart: %s", statusName(rep.Status))
	}
	var preply proxyReply
	if err := struc.UnpackWithOptions(bytes.NewReader(rep.Data[:]), &preply, models.LE); err != nil {
		return 0, errors.WithStack(err)
	}
	if preply.Opcode != op {
		return 0, models.NewProtocolError("reply opcode mismatch: expected 0x%x, got 0x%x", op, preply.Opcode)
	}
	if preply.Status != 0 {
		return 0, errors.WithStack(&models.RemoteError{Op: opName(op), Status: preply.Status})
	}
	return preply.Retval, nil
}

func (p *Proxy) Recv(ctx context.Context) (models.Frame, error) {
	if f := p.u.popPending(); f != nil {
		return f, nil
	}
	rep, ev, err := p.u.frame(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		return ev, nil
	}
	if rep.Type != reqBoot {
		return nil, models.NewProtocolError("unexpected %s frame while the guest runs", frameName(rep.Type))
	}
	n, err := notification(rep)
	if err != nil {
		return nil, err
	}
	if n.Reason == models.StartBoot {
		if err := p.checkVersion(); err != nil {
			p.log.Warn().Err(err).Msg("monitor rebooted")
		}
	}
	return n, nil
}

func (p *Proxy) Kick() error {
	return p.u.write([]byte{kickByte})
}

func (p *Proxy) ReadMem(addr uint64, size int) ([]byte, error) {
	return p.u.readMem(addr, size)
}

func (p *Proxy) WriteMem(addr uint64, data []byte) error {
	return p.u.writeMem(addr, data)
}

func (p *Proxy) Read(addr uint64, width int) (uint64, error) {
	if width < 0 || width > 3 {
		return 0, errors.Errorf("bad access width %d", width)
	}
	return p.request(pRead64+uint64(3-width), addr)
}

func (p *Proxy) Write(addr uint64, val uint64, width int) error {
	if width < 0 || width > 3 {
		return errors.Errorf("bad access width %d", width)
	}
	_, err := p.request(pWrite64+uint64(3-width), addr, val)
	return err
}

func (p *Proxy) Exit(ret models.ExcResult) error {
	_, err := p.request(pExit, uint64(ret))
	return err
}

func (p *Proxy) Map(ipa, pa, size uint64, incr bool) error {
	_, err := p.request(pHvMap, ipa, pa, size, b2u(incr))
	return err
}

func (p *Proxy) Translate(va uint64, stage1, write bool) (uint64, error) {
	return p.request(pHvTranslate, va, b2u(stage1), b2u(write))
}

func (p *Proxy) SyncICache(addr, size uint64) error {
	if _, err := p.request(pDCCVAU, addr, size); err != nil {
		return err
	}
	_, err := p.request(pICIVAU, addr, size)
	return err
}

// exec writes code to the scratch stub and calls it at the given level.
func (p *Proxy) exec(level models.CallLevel, code []uint32, args ...uint64) (uint64, error) {
	if p.scratch == 0 {
		return 0, errors.New("not connected")
	}
	buf := make([]byte, 4*len(code))
	for i, insn := range code {
		binary.LittleEndian.PutUint32(buf[4*i:], insn)
	}
	if err := p.WriteMem(p.scratch, buf); err != nil {
		return 0, err
	}
	if err := p.SyncICache(p.scratch, uint64(len(buf))); err != nil {
		return 0, err
	}
	op, addr := uint64(pCall), p.scratch
	switch level {
	case models.CallEL1:
		op, addr = pEL1Call, addr|regionRXEL1
	case models.CallEL0:
		op, addr = pEL0Call, addr|regionRWXEL0
	case models.CallGL2:
		op = pGL2Call
	}
	return p.request(op, append([]uint64{addr}, args...)...)
}

func (p *Proxy) Inst(insn uint32) error {
	_, err := p.exec(models.CallEL2, []uint32{insn, insnRet})
	return err
}

func (p *Proxy) SysRegRead(reg models.SysReg, level models.CallLevel) (uint64, error) {
	return p.exec(level, []uint32{reg.MRS(0), insnRet})
}

func (p *Proxy) SysRegWrite(reg models.SysReg, val uint64, level models.CallLevel) error {
	_, err := p.exec(level, []uint32{reg.MSR(0), insnRet}, val)
	return err
}

func (p *Proxy) StartSecondary(cpu int, entry uint64) error {
	_, err := p.request(pHvStartSecondary, uint64(cpu), entry)
	return err
}

func (p *Proxy) SwitchCPU(cpu int) (bool, error) {
	ret, err := p.request(pHvSwitchCPU, uint64(cpu))
	return ret != 0, err
}

func (p *Proxy) PinCPU(cpu uint64) error {
	_, err := p.request(pHvPinCPU, cpu)
	return err
}

// ExitCPU shuts down the CPU that is currently stopped.
func (p *Proxy) ExitCPU() error {
	_, err := p.request(pHvExitCPU, ^uint64(0))
	return err
}

// TraceIRQ selects the die in the upper half of the event type.
func (p *Proxy) TraceIRQ(die, num, count int, flags uint32) error {
	const aicEventHW = 1
	_, err := p.request(pHvTraceIRQ, uint64(die)<<16|aicEventHW, uint64(num), uint64(count), uint64(flags))
	return err
}

// Reboot doesn't wait for a reply; the next frame is the monitor's boot.
func (p *Proxy) Reboot() error {
	var buf bytes.Buffer
	req := proxyRequest{Opcode: pReboot}
	if err := struc.PackWithOptions(&buf, &req, models.LE); err != nil {
		return errors.WithStack(err)
	}
	return p.u.send(reqProxy, buf.Bytes())
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy.Proxy{scratch=0x%x}", p.scratch)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

var _ models.Remote = (*Proxy)(nil)
