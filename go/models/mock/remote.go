package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

const pageSize = 0x1000

type MapCall struct {
	IPA, PA, Size uint64
	Incr          bool
}

type Call struct {
	Op   string
	Args []uint64
}

// Remote is an in-memory monitor. Frames queued with Push are returned by
// Recv in order; every call is logged.
type Remote struct {
	mu sync.Mutex

	mem     map[uint64][]byte
	frames  []models.Frame
	Calls   []Call
	Maps    []MapCall
	Sysregs map[models.SysReg]uint64
	Writes  int
	kicks   int32

	// per-cpu exception frame address, used to answer CPU switches
	CtxAddr map[int]uint64
	Current int
	Started map[int]uint64
	Pinned  uint64

	pendingSwitch int
	// called after the built-in Exit handling, may queue frames
	OnExit        func(r *Remote, ret models.ExcResult)
	// failure injection for Map
	MapErr        error
}

func New() *Remote {
	return &Remote{
		mem:           make(map[uint64][]byte),
		Sysregs:       make(map[models.SysReg]uint64),
		CtxAddr:       make(map[int]uint64),
		Started:       make(map[int]uint64),
		pendingSwitch: -1,
	}
}

func (r *Remote) log(op string, args ...uint64) {
	r.Calls = append(r.Calls, Call{op, args})
}

// Count returns how many times op was called.
func (r *Remote) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (r *Remote) Reset() {
	r.mu.Lock()
	r.Calls = nil
	r.Maps = nil
	r.Writes = 0
	r.mu.Unlock()
}

func (r *Remote) Push(f ...models.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f...)
	r.mu.Unlock()
}

// PutContext stores ctx at addr and remembers it as cpu's exception frame.
func (r *Remote) PutContext(cpu int, addr uint64, ctx *models.ExcInfo) {
	ctx.CPUID = uint64(cpu)
	p, err := ctx.Pack()
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.poke(addr, p)
	r.CtxAddr[cpu] = addr
	r.mu.Unlock()
}

func (r *Remote) Context(cpu int) *models.ExcInfo {
	r.mu.Lock()
	p := r.peek(r.CtxAddr[cpu], models.ExcInfoSize)
	r.mu.Unlock()
	ctx, err := models.UnpackExcInfo(p)
	if err != nil {
		panic(err)
	}
	return ctx
}

func (r *Remote) Kicks() int {
	return int(atomic.LoadInt32(&r.kicks))
}

func (r *Remote) poke(addr uint64, p []byte) {
	for len(p) > 0 {
		base := addr &^ (pageSize - 1)
		page, ok := r.mem[base]
		if !ok {
			page = make([]byte, pageSize)
			r.mem[base] = page
		}
		n := copy(page[addr-base:], p)
		p = p[n:]
		addr += uint64(n)
	}
}

func (r *Remote) peek(addr uint64, size int) []byte {
	out := make([]byte, 0, size)
	for len(out) < size {
		base := addr &^ (pageSize - 1)
		off := addr - base
		n := min(uint64(size-len(out)), pageSize-off)
		if page, ok := r.mem[base]; ok {
			out = append(out, page[off:off+n]...)
		} else {
			out = append(out, make([]byte, n)...)
		}
		addr += n
	}
	return out
}

func (r *Remote) Recv(ctx context.Context) (models.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.frames) == 0 {
		return nil, errors.WithStack(io.EOF)
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, nil
}

func (r *Remote) Kick() error {
	atomic.AddInt32(&r.kicks, 1)
	return nil
}

func (r *Remote) ReadMem(addr uint64, size int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("readmem", addr, uint64(size))
	return r.peek(addr, size), nil
}

func (r *Remote) WriteMem(addr uint64, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("writemem", addr, uint64(len(p)))
	r.Writes++
	r.poke(addr, p)
	return nil
}

func (r *Remote) Read(addr uint64, width int) (uint64, error) {
	if width > 3 {
		return 0, errors.Errorf("bad access width %d", width)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("read", addr, uint64(width))
	var buf [8]byte
	copy(buf[:], r.peek(addr, 1<<width))
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Remote) Write(addr uint64, val uint64, width int) error {
	if width > 3 {
		return errors.Errorf("bad access width %d", width)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("write", addr, val, uint64(width))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	r.poke(addr, buf[:1<<width])
	return nil
}

func (r *Remote) Exit(ret models.ExcResult) error {
	r.mu.Lock()
	r.log("exit", uint64(ret))
	if r.pendingSwitch >= 0 {
		cpu := r.pendingSwitch
		r.pendingSwitch = -1
		r.Current = cpu
		r.frames = append(r.frames, &models.Notification{
			Reason: models.StartHV,
			Code:   uint32(models.HvCPUSwitch),
			Info:   r.CtxAddr[cpu],
		})
	}
	hook := r.OnExit
	r.mu.Unlock()
	if hook != nil {
		hook(r, ret)
	}
	return nil
}

func (r *Remote) Map(ipa, pa, size uint64, incr bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("map", ipa, pa, size)
	if r.MapErr != nil {
		return r.MapErr
	}
	r.Maps = append(r.Maps, MapCall{ipa, pa, size, incr})
	return nil
}

func (r *Remote) Translate(va uint64, stage1, write bool) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("translate", va)
	return va, nil
}

func (r *Remote) Inst(insn uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("inst", uint64(insn))
	return nil
}

func (r *Remote) SyncICache(addr, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("sync_icache", addr, size)
	return nil
}

func (r *Remote) SysRegRead(reg models.SysReg, level models.CallLevel) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("mrs:"+reg.String(), uint64(level))
	return r.Sysregs[reg], nil
}

func (r *Remote) SysRegWrite(reg models.SysReg, val uint64, level models.CallLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("msr:"+reg.String(), val, uint64(level))
	r.Sysregs[reg] = val
	return nil
}

func (r *Remote) StartSecondary(cpu int, entry uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("start_secondary", uint64(cpu), entry)
	r.Started[cpu] = entry
	return nil
}

func (r *Remote) SwitchCPU(cpu int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("switch_cpu", uint64(cpu))
	if _, ok := r.CtxAddr[cpu]; !ok {
		return false, nil
	}
	r.pendingSwitch = cpu
	return true, nil
}

func (r *Remote) PinCPU(cpu uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("pin_cpu", cpu)
	r.Pinned = cpu
	return nil
}

func (r *Remote) ExitCPU() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("exit_cpu")
	return nil
}

func (r *Remote) TraceIRQ(die, num, count int, flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("trace_irq", uint64(die), uint64(num), uint64(count), uint64(flags))
	return nil
}

func (r *Remote) Reboot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("reboot")
	return nil
}

func (r *Remote) String() string {
	return fmt.Sprintf("mock.Remote{cpu=%d, %d calls}", r.Current, len(r.Calls))
}

var _ models.Remote = (*Remote)(nil)
