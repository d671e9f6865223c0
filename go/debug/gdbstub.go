package debug

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/debug/cmd"
	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
)

func escape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, c := range p {
		if c == '#' || c == '$' || c == '}' || c == '*' {
			out = append(out, '}', c^0x20)
		} else {
			out = append(out, c)
		}
	}
	return out
}

func unescape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '}' && i+1 < len(p) {
			i++
			out = append(out, p[i]^0x20)
		} else {
			out = append(out, p[i])
		}
	}
	return out
}

func checksum(p []byte) []byte {
	var chk byte
	for _, c := range p {
		chk += c
	}
	return []byte(fmt.Sprintf("%02x", chk))
}

// parseRange splits "addr,length" with an optional "type," prefix already
// removed by the caller.
func parseRange(s string) (uint64, uint64, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errors.Errorf("bad range %q", s)
	}
	addr, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "range address")
	}
	size, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "range size")
	}
	return addr, size, nil
}

type gdbReg struct {
	XMLName xml.Name `xml:"reg"`
	Name    string   `xml:"name,attr"`
	Bitsize int      `xml:"bitsize,attr"`
	Type    string   `xml:"type,attr"`
	Regnum  int      `xml:"regnum,attr"`
}

type gdbFeature struct {
	Name string   `xml:"name,attr"`
	Regs []gdbReg `xml:"reg"`
}

type gdbTarget struct {
	XMLName xml.Name   `xml:"target"`
	Arch    string     `xml:"architecture"`
	Feature gdbFeature `xml:"feature"`
}

// register numbers past the general registers
const (
	regSP   = 31
	regPC   = 32
	regCPSR = 33
)

var targetXML = func() string {
	t := gdbTarget{Arch: "aarch64", Feature: gdbFeature{Name: "org.gnu.gdb.aarch64.core"}}
	for i := 0; i < 31; i++ {
		t.Feature.Regs = append(t.Feature.Regs, gdbReg{Name: fmt.Sprintf("x%d", i), Bitsize: 64, Type: "int", Regnum: i})
	}
	t.Feature.Regs = append(t.Feature.Regs,
		gdbReg{Name: "sp", Bitsize: 64, Type: "data_ptr", Regnum: regSP},
		gdbReg{Name: "pc", Bitsize: 64, Type: "code_ptr", Regnum: regPC},
		gdbReg{Name: "cpsr", Bitsize: 32, Type: "int", Regnum: regCPSR},
	)
	out, err := xml.Marshal(t)
	if err != nil {
		panic(err)
	}
	return `<?xml version="1.0"?><!DOCTYPE target SYSTEM "gdb-target.dtd">` + string(out)
}()

func regBytes(ctx *models.ExcInfo, n int) ([]byte, bool) {
	var tmp [8]byte
	switch {
	case n < 31:
		binary.LittleEndian.PutUint64(tmp[:], ctx.Regs[n])
	case n == regSP:
		binary.LittleEndian.PutUint64(tmp[:], ctx.GuestSP())
	case n == regPC:
		binary.LittleEndian.PutUint64(tmp[:], ctx.ELR)
	case n == regCPSR:
		binary.LittleEndian.PutUint32(tmp[:], uint32(ctx.SPSR))
		return tmp[:4], true
	default:
		return nil, false
	}
	return tmp[:], true
}

func setRegBytes(ctx *models.ExcInfo, n int, p []byte) bool {
	if n == regCPSR {
		if len(p) != 4 {
			return false
		}
		ctx.SPSR = ctx.SPSR&^0xffffffff | uint64(binary.LittleEndian.Uint32(p))
		return true
	}
	if len(p) != 8 {
		return false
	}
	val := binary.LittleEndian.Uint64(p)
	switch {
	case n < 31:
		ctx.Regs[n] = val
	case n == regSP:
		ctx.SetGuestSP(val)
	case n == regPC:
		ctx.ELR = val
	default:
		return false
	}
	return true
}

// gdb thread ids start at 1, 0 and -1 mean any and all
func threadID(cpu int) int { return cpu + 1 }

func parseThread(s string) (int, bool) {
	if s == "-1" || s == "0" {
		return -1, true
	}
	n, err := strconv.ParseInt(s, 16, 0)
	if err != nil || n < 1 {
		return 0, false
	}
	return int(n) - 1, true
}

type packet struct {
	data []byte
	err  error
}

type gdbConn struct {
	net.Conn
	packets chan packet
	closed  chan struct{}
	noAck   atomic.Bool

	// the client is waiting on a stop reply
	waiting bool
	// thread selected by Hc, -1 for any
	hc int
	// reply owed for an H packet once the CPU switch has happened
	switchReply string
	switchCPU   int
	// packet to handle again after switching CPUs
	replay []byte
}

func (c *gdbConn) Send(s string) error {
	data := escape([]byte(s))
	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, '$')
	frame = append(frame, data...)
	frame = append(frame, '#')
	frame = append(frame, checksum(data)...)
	_, err := c.Write(frame)
	return errors.Wrap(err, "gdbstub socket write failed")
}

func (c *gdbConn) ack(b byte) {
	if !c.noAck.Load() {
		c.Write([]byte{b})
	}
}

// readLoop turns the byte stream into packets. A bare ^C interrupts the
// guest if it is running.
func (c *gdbConn) readLoop(onBreak func()) {
	input := bufio.NewReader(c)
	push := func(p packet) bool {
		select {
		case c.packets <- p:
			return true
		case <-c.closed:
			return false
		}
	}
	for {
		b, err := input.ReadByte()
		if err != nil {
			push(packet{err: err})
			return
		}
		switch b {
		case 0x03:
			onBreak()
			continue
		case '$':
		default:
			// acks and line noise
			continue
		}
		body, err := input.ReadBytes('#')
		if err != nil {
			push(packet{err: err})
			return
		}
		var chk [2]byte
		for i := range chk {
			if chk[i], err = input.ReadByte(); err != nil {
				push(packet{err: err})
				return
			}
		}
		data := body[:len(body)-1]
		if !c.noAck.Load() && !bytes.Equal(checksum(data), chk[:]) {
			c.ack('-')
			continue
		}
		c.ack('+')
		if !push(packet{data: unescape(data)}) {
			return
		}
	}
}

// Gdbstub is a shell that hands the stopped guest to a GDB client speaking
// the remote serial protocol. Each started CPU is a gdb thread.
type Gdbstub struct {
	ln      net.Listener
	conn    *gdbConn
	running atomic.Bool
	// the guest was stopped on behalf of the client
	interrupted atomic.Bool
}

// Listen opens the stub's socket. Addresses containing a slash are unix
// sockets, anything else is host:port.
func Listen(addr string) (*Gdbstub, error) {
	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "gdbstub listen on %s", addr)
	}
	return &Gdbstub{ln: ln}, nil
}

func (s *Gdbstub) Addr() net.Addr { return s.ln.Addr() }

func (s *Gdbstub) Close() error {
	s.drop()
	return s.ln.Close()
}

func (s *Gdbstub) accept(h *hv.HV) error {
	log := h.Logger()
	log.Info().Msgf("waiting for gdb on %s", s.ln.Addr())
	conn, err := s.ln.Accept()
	if err != nil {
		return errors.Wrap(err, "gdbstub accept")
	}
	log.Info().Msgf("gdb connected from %s", conn.RemoteAddr())
	c := &gdbConn{
		Conn:    conn,
		packets: make(chan packet, 16),
		closed:  make(chan struct{}),
		hc:      -1,
	}
	go c.readLoop(func() {
		if s.running.Load() {
			s.interrupted.Store(true)
			if err := h.Interrupt(); err != nil {
				log.Error().Err(err).Msg("gdb interrupt")
			}
		}
	})
	s.conn = c
	return nil
}

func (s *Gdbstub) drop() {
	if s.conn != nil {
		close(s.conn.closed)
		s.conn.Close()
		s.conn = nil
	}
}

// Run serves the client until it resumes the guest. The first stop waits
// for a client to connect; a client going away detaches and lets the guest
// run.
func (s *Gdbstub) Run(h *hv.HV, banner string) hv.Command {
	s.running.Store(false)
	log := h.Logger()
	if s.conn == nil {
		if err := s.accept(h); err != nil {
			log.Error().Err(err).Msg("gdbstub")
			return hv.Exit()
		}
	}
	log.Info().Msg(banner)
	c := s.conn
	if c.switchReply != "" {
		reply := c.switchReply
		if h.CPU() != c.switchCPU {
			reply = "E01"
		}
		c.switchReply = ""
		c.Send(reply)
	}
	if c.waiting && c.replay == nil {
		c.waiting = false
		c.Send(s.stopReply(h))
	}
	for {
		var data []byte
		if c.replay != nil {
			data, c.replay = c.replay, nil
		} else {
			p := <-c.packets
			if p.err != nil {
				log.Info().Err(p.err).Msg("gdb detached")
				s.drop()
				return hv.Continue()
			}
			data = p.data
		}
		reply, next := s.handle(h, c, data)
		if next == nil {
			if err := c.Send(reply); err != nil {
				log.Info().Err(err).Msg("gdb detached")
				s.drop()
				return hv.Continue()
			}
			continue
		}
		switch next.Kind {
		case hv.CmdContinue, hv.CmdSkip:
			s.running.Store(true)
		case hv.CmdExit:
			s.drop()
		}
		return *next
	}
}

func (s *Gdbstub) stopReply(h *hv.HV) string {
	c := s.conn
	c.hc = -1
	tid := threadID(h.CPU())
	if s.interrupted.Swap(false) {
		return fmt.Sprintf("T02thread:%x;", tid)
	}
	n, ctx := h.Notification(), h.Context()
	if n != nil && ctx != nil {
		switch {
		case n.Reason == models.StartExceptionLower && models.ExcType(n.Code) == models.ExcSync:
			switch models.ESR(ctx.ESR).EC() {
			case models.ECBkptLower:
				return fmt.Sprintf("T05hwbreak:;thread:%x;", tid)
			case models.ECWatchLower:
				return fmt.Sprintf("T05watch:%x;thread:%x;", ctx.FAR, tid)
			}
		case n.Reason == models.StartHV && models.HvEvent(n.Code) == models.HvUserInterrupt:
			return fmt.Sprintf("T02thread:%x;", tid)
		}
	}
	return fmt.Sprintf("T05thread:%x;", tid)
}

func (s *Gdbstub) started(h *hv.HV, cpu int) bool {
	for _, n := range h.StartedCPUs() {
		if n == cpu {
			return true
		}
	}
	return false
}

// handle answers one packet. A non-nil command ends the shell session.
func (s *Gdbstub) handle(h *hv.HV, c *gdbConn, data []byte) (string, *hv.Command) {
	if len(data) == 0 {
		return "", nil
	}
	ctx := h.Context()
	b, rest := data[0], string(data[1:])
	if ctx == nil && strings.IndexByte("gGpPs", b) >= 0 {
		// stopped on an asynchronous event, no CPU to look at
		return "E01", nil
	}
	switch b {
	case '?':
		return s.stopReply(h), nil
	case 'q':
		return s.query(h, c, rest)
	case 'Q':
		if rest == "StartNoAckMode" {
			c.Send("OK")
			c.noAck.Store(true)
			return "", nil
		}
		return "", nil
	case 'v':
		return "", nil
	case 'H':
		if len(rest) < 1 {
			return "", nil
		}
		cpu, ok := parseThread(rest[1:])
		if !ok || cpu >= 0 && !s.started(h, cpu) {
			return "E01", nil
		}
		switch rest[0] {
		case 'c':
			c.hc = cpu
			return "OK", nil
		case 'g':
			if cpu < 0 || cpu == h.CPU() {
				return "OK", nil
			}
			c.switchReply, c.switchCPU = "OK", cpu
			next := hv.SwitchTo(cpu)
			return "", &next
		}
		return "", nil
	case 'T':
		cpu, ok := parseThread(rest)
		if ok && cpu >= 0 && s.started(h, cpu) {
			return "OK", nil
		}
		return "E01", nil
	case 'g':
		var buf []byte
		for i := 0; i <= regCPSR; i++ {
			p, _ := regBytes(ctx, i)
			buf = append(buf, p...)
		}
		return hex.EncodeToString(buf), nil
	case 'G':
		raw, err := hex.DecodeString(rest)
		if err != nil || len(raw) < 31*8+8+8+4 {
			return "E01", nil
		}
		for i := 0; i <= regCPSR; i++ {
			size := 8
			if i == regCPSR {
				size = 4
			}
			setRegBytes(ctx, i, raw[:size])
			raw = raw[size:]
		}
		return "OK", nil
	case 'p':
		n, err := strconv.ParseUint(rest, 16, 0)
		if err != nil {
			return "E01", nil
		}
		p, ok := regBytes(ctx, int(n))
		if !ok {
			return "E01", nil
		}
		return hex.EncodeToString(p), nil
	case 'P':
		num, val, _ := strings.Cut(rest, "=")
		n, err := strconv.ParseUint(num, 16, 0)
		if err != nil {
			return "E01", nil
		}
		raw, err := hex.DecodeString(val)
		if err != nil || !setRegBytes(ctx, int(n), raw) {
			return "E01", nil
		}
		return "OK", nil
	case 'm':
		addr, size, err := parseRange(rest)
		if err != nil {
			return "E01", nil
		}
		mem, err := h.ReadVirt(addr, int(size))
		if err != nil {
			h.Logger().Debug().Err(err).Msgf("gdb read 0x%x", addr)
			return "E14", nil
		}
		return hex.EncodeToString(mem), nil
	case 'M', 'X':
		rng, payload, ok := strings.Cut(rest, ":")
		if !ok {
			return "E01", nil
		}
		addr, size, err := parseRange(rng)
		if err != nil {
			return "E01", nil
		}
		mem := []byte(payload)
		if b == 'M' {
			if mem, err = hex.DecodeString(payload); err != nil {
				return "E01", nil
			}
		}
		if uint64(len(mem)) < size {
			return "E01", nil
		}
		if err := h.WriteVirt(addr, mem[:size]); err != nil {
			h.Logger().Debug().Err(err).Msgf("gdb write 0x%x", addr)
			return "E14", nil
		}
		return "OK", nil
	case 'Z', 'z':
		return s.point(h, b == 'Z', rest), nil
	case 'c', 's':
		if c.hc >= 0 && c.hc != h.CPU() {
			c.replay = data
			next := hv.SwitchTo(c.hc)
			c.hc = -1
			return "", &next
		}
		if rest != "" {
			addr, err := strconv.ParseUint(rest, 16, 64)
			if err != nil || ctx == nil {
				return "E01", nil
			}
			ctx.ELR = addr
		}
		c.waiting = true
		next := hv.Continue()
		if b == 's' {
			next = hv.StepOnce()
		}
		return "", &next
	case 'k':
		if err := h.Reboot(); err != nil {
			h.Logger().Error().Err(err).Msg("reboot")
		}
		next := hv.Exit()
		return "", &next
	case 'D':
		c.Send("OK")
		s.drop()
		next := hv.Continue()
		return "", &next
	}
	return "", nil
}

func (s *Gdbstub) query(h *hv.HV, c *gdbConn, rest string) (string, *hv.Command) {
	name, args, _ := strings.Cut(rest, ":")
	if n, a, ok := strings.Cut(name, ","); ok {
		name, args = n, a
	}
	switch name {
	case "Supported":
		return "PacketSize=4000;qXfer:features:read+;hwbreak+;QStartNoAckMode+", nil
	case "Attached":
		return "1", nil
	case "Symbol":
		return "OK", nil
	case "C":
		return fmt.Sprintf("QC%x", threadID(h.CPU())), nil
	case "fThreadInfo":
		var ids []string
		for _, cpu := range h.StartedCPUs() {
			ids = append(ids, fmt.Sprintf("%x", threadID(cpu)))
		}
		return "m" + strings.Join(ids, ","), nil
	case "sThreadInfo":
		return "l", nil
	case "ThreadExtraInfo":
		cpu, ok := parseThread(args)
		if !ok || cpu < 0 {
			return "E01", nil
		}
		return hex.EncodeToString([]byte(fmt.Sprintf("cpu%d", cpu))), nil
	case "Xfer":
		if !strings.HasPrefix(args, "features:read:target.xml:") {
			return "", nil
		}
		off, size, err := parseRange(strings.TrimPrefix(args, "features:read:target.xml:"))
		if err != nil {
			return "E01", nil
		}
		if off >= uint64(len(targetXML)) {
			return "l", nil
		}
		end := min(off+size, uint64(len(targetXML)))
		prefix := "m"
		if end == uint64(len(targetXML)) {
			prefix = "l"
		}
		return prefix + targetXML[off:end], nil
	case "Rcmd":
		line, err := hex.DecodeString(args)
		if err != nil {
			return "E01", nil
		}
		return s.monitor(h, c, string(line))
	}
	return "", nil
}

// monitor runs a shell command for "monitor ..." and streams its output
// back as console packets.
func (s *Gdbstub) monitor(h *hv.HV, c *gdbConn, line string) (string, *hv.Command) {
	var out bytes.Buffer
	ctx := &cmd.Context{Writer: &out, H: h}
	err := cmd.Run(ctx, line)
	if out.Len() > 0 {
		c.Send("O" + hex.EncodeToString(out.Bytes()))
	}
	if err != nil {
		next := hv.Exit()
		return "", &next
	}
	if ctx.Resume != nil {
		// the client isn't waiting for a stop, it hears about the next one
		// only when it asks with '?'
		c.Send("OK")
		return "", ctx.Resume
	}
	return "OK", nil
}

func (s *Gdbstub) point(h *hv.HV, add bool, rest string) string {
	kind, rng, ok := strings.Cut(rest, ",")
	if !ok {
		return "E01"
	}
	addr, size, err := parseRange(rng)
	if err != nil {
		return "E01"
	}
	switch kind {
	case "0", "1":
		// software breakpoints would need the guest's text patched, so
		// they are armed in hardware like the rest
		if add {
			for _, bp := range h.Breakpoints() {
				if bp == addr {
					return "OK"
				}
			}
			_, err = h.AddBreakpoint(addr, nil)
		} else {
			err = h.RemoveBreakpoint(addr)
		}
	case "2", "3", "4":
		lsc := map[string]int{"2": hv.WatchStore, "3": hv.WatchLoad, "4": hv.WatchRW}[kind]
		if add {
			_, err = h.AddWatchpoint(addr, size, lsc, nil)
		} else {
			err = h.RemoveWatchpoint(addr)
		}
	default:
		return ""
	}
	if err != nil {
		if models.IsProtocolError(err) {
			h.Logger().Error().Err(err).Msg("gdb breakpoint")
		}
		return "E01"
	}
	return "OK"
}

var _ hv.Shell = (*Gdbstub)(nil)
