package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hvcorn/hvcorn/go/models"
)

// Frame types. The low three bytes are the sync pattern the monitor scans for.
const (
	reqNop      uint32 = 0x00aa55ff
	reqProxy    uint32 = 0x01aa55ff
	reqMemRead  uint32 = 0x02aa55ff
	reqMemWrite uint32 = 0x03aa55ff
	reqBoot     uint32 = 0x04aa55ff
	reqEvent    uint32 = 0x05aa55ff
)

const (
	cmdLen      = 56
	replyLen    = 36
	eventHdrLen = 8

	stOK      = 0
	stBadCmd  = -1
	stInval   = -2
	stXferErr = -3
	stCsumErr = -4

	pollInterval = 100 * time.Millisecond
	quietPeriod  = 50 * time.Millisecond
)

var frameMagic = [3]byte{0xff, 0x55, 0xaa}

func frameName(typ uint32) string {
	switch typ {
	case reqNop:
		return "NOP"
	case reqProxy:
		return "PROXY"
	case reqMemRead:
		return "MEMREAD"
	case reqMemWrite:
		return "MEMWRITE"
	case reqBoot:
		return "BOOT"
	case reqEvent:
		return "EVENT"
	}
	return "UNKNOWN"
}

func statusName(st int32) string {
	switch st {
	case stBadCmd:
		return "bad command"
	case stInval:
		return "invalid argument"
	case stXferErr:
		return "data transfer failed"
	case stCsumErr:
		return "data checksum failed"
	}
	return "unknown error"
}

func checksumAdd(sum uint32, p []byte) uint32 {
	for _, c := range p {
		sum = sum*31337 + uint32(c^0x5a)
	}
	return sum
}

func checksum(p ...[]byte) uint32 {
	sum := uint32(0xdeadbeef)
	for _, b := range p {
		sum = checksumAdd(sum, b)
	}
	return sum ^ 0xaddedbad
}

type cmdFrame struct {
	Type    uint32
	Payload [cmdLen]byte
	Sum     uint32
}

type replyFrame struct {
	Type   uint32
	Status int32
	Data   [24]byte
	Sum    uint32
}

type eventHeader struct {
	Type      uint32
	Len       uint16
	EventType uint16
}

type startMsg struct {
	Reason   uint32
	Code     uint32
	Info     uint64
	Reserved uint64
}

type memRequest struct {
	Addr uint64
	Size uint64
	Sum  uint32
}

// uart speaks the checksummed frame protocol over a byte stream. Everything
// that is not a frame is console output from the monitor.
type uart struct {
	conn    Conn
	r       *bufio.Reader
	wmu     sync.Mutex
	timeout time.Duration
	log     zerolog.Logger
	console *console

	// frames that arrived while a command was waiting for its reply
	pending []models.Frame
}

func newUart(conn Conn, timeout time.Duration, log zerolog.Logger, out io.Writer) *uart {
	return &uart{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 0x10000),
		timeout: timeout,
		log:     log,
		console: newConsole(out),
	}
}

func (u *uart) write(p []byte) error {
	u.wmu.Lock()
	defer u.wmu.Unlock()
	_, err := u.conn.Write(p)
	return errors.Wrap(err, "transport write")
}

// read fills p. A zero deadline waits until ctx is done.
func (u *uart) read(ctx context.Context, p []byte, deadline time.Time) error {
	for got := 0; got < len(p); {
		wait := time.Now().Add(pollInterval)
		if !deadline.IsZero() && deadline.Before(wait) {
			wait = deadline
		}
		if err := u.conn.SetReadDeadline(wait); err != nil {
			return errors.WithStack(err)
		}
		n, err := u.r.Read(p[got:])
		got += n
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return errors.Wrap(err, "transport read")
		}
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errors.Wrapf(os.ErrDeadlineExceeded, "expected %d bytes, got %d", len(p), got)
		}
	}
	return nil
}

// header scans for the next frame and returns its type.
func (u *uart) header(ctx context.Context, deadline time.Time) (uint32, error) {
	var hdr [4]byte
	n := 0
	for {
		if err := u.read(ctx, hdr[n:n+1], deadline); err != nil {
			return 0, err
		}
		b := hdr[n]
		n++
		if n == 4 {
			return binary.LittleEndian.Uint32(hdr[:]), nil
		}
		if b == frameMagic[n-1] {
			continue
		}
		if b == 0xff {
			u.console.Write(hdr[:n-1])
			hdr[0] = 0xff
			n = 1
		} else {
			u.console.Write(hdr[:n])
			n = 0
		}
	}
}

// frame reads one frame. Boot frames and command replies come back as a
// replyFrame, events as an *models.Event.
func (u *uart) frame(ctx context.Context, deadline time.Time) (*replyFrame, *models.Event, error) {
	typ, err := u.header(ctx, deadline)
	if err != nil {
		return nil, nil, err
	}
	if typ == reqEvent {
		ev, err := u.event(ctx, deadline)
		return nil, ev, err
	}
	buf := make([]byte, replyLen)
	binary.LittleEndian.PutUint32(buf, typ)
	if err := u.read(ctx, buf[4:], deadline); err != nil {
		return nil, nil, err
	}
	var rep replyFrame
	if err := struc.UnpackWithOptions(bytes.NewReader(buf), &rep, models.LE); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if sum := checksum(buf[:replyLen-4]); sum != rep.Sum {
		return nil, nil, models.NewProtocolError("%s reply checksum 0x%08x, expected 0x%08x", frameName(typ), rep.Sum, sum)
	}
	return &rep, nil, nil
}

func (u *uart) event(ctx context.Context, deadline time.Time) (*models.Event, error) {
	hdr := make([]byte, eventHdrLen)
	binary.LittleEndian.PutUint32(hdr, reqEvent)
	if err := u.read(ctx, hdr[4:], deadline); err != nil {
		return nil, err
	}
	var h eventHeader
	if err := struc.UnpackWithOptions(bytes.NewReader(hdr), &h, models.LE); err != nil {
		return nil, errors.WithStack(err)
	}
	body := make([]byte, int(h.Len)+4)
	if err := u.read(ctx, body, deadline); err != nil {
		return nil, err
	}
	data := body[:h.Len]
	want := binary.LittleEndian.Uint32(body[h.Len:])
	if sum := checksum(hdr, data); sum != want {
		return nil, models.NewProtocolError("event checksum 0x%08x, expected 0x%08x", want, sum)
	}
	return &models.Event{Type: models.EventType(h.EventType), Data: data}, nil
}

func notification(rep *replyFrame) (*models.Notification, error) {
	if rep.Status != stOK {
		return nil, models.NewProtocolError("boot frame with status %d", rep.Status)
	}
	var msg startMsg
	if err := struc.UnpackWithOptions(bytes.NewReader(rep.Data[:]), &msg, models.LE); err != nil {
		return nil, errors.WithStack(err)
	}
	return &models.Notification{
		Reason: models.StartReason(msg.Reason),
		Code:   msg.Code,
		Info:   msg.Info,
	}, nil
}

func (u *uart) send(typ uint32, payload []byte) error {
	if len(payload) > cmdLen {
		return errors.Errorf("payload too long: %d bytes", len(payload))
	}
	cmd := cmdFrame{Type: typ}
	copy(cmd.Payload[:], payload)
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &cmd, models.LE); err != nil {
		return errors.WithStack(err)
	}
	p := buf.Bytes()
	binary.LittleEndian.PutUint32(p[len(p)-4:], checksum(p[:len(p)-4]))
	return u.write(p)
}

// reply waits for the reply to a typ command, queueing anything unsolicited.
func (u *uart) reply(typ uint32) (*replyFrame, error) {
	deadline := time.Now().Add(u.timeout)
	for {
		rep, ev, err := u.frame(context.Background(), deadline)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			u.pending = append(u.pending, ev)
			continue
		}
		if rep.Type == typ {
			return rep, nil
		}
		if rep.Type == reqBoot {
			n, err := notification(rep)
			if err != nil {
				return nil, err
			}
			u.pending = append(u.pending, n)
			continue
		}
		return nil, models.NewProtocolError("reply type mismatch: expected %s, got 0x%08x", frameName(typ), rep.Type)
	}
}

func (u *uart) roundTrip(typ uint32, payload []byte) (*replyFrame, error) {
	if err := u.send(typ, payload); err != nil {
		return nil, err
	}
	return u.reply(typ)
}

// command runs one request. A request the monitor saw corrupted was never
// executed and is always sent again; a corrupted reply is only retried when
// running the request twice is harmless. Either way there is one retry.
func (u *uart) command(typ uint32, payload []byte, idempotent bool) (*replyFrame, error) {
	rep, err := u.roundTrip(typ, payload)
	switch {
	case err == nil && rep.Status != stCsumErr:
		return rep, nil
	case err != nil && (!idempotent || !models.IsProtocolError(err)):
		return nil, err
	}
	u.log.Warn().Err(err).Str("frame", frameName(typ)).Msg("resynchronising")
	if err := u.resync(); err != nil {
		return nil, err
	}
	return u.roundTrip(typ, payload)
}

// resync drops whatever is in flight and checks the monitor answers again.
func (u *uart) resync() error {
	buf := make([]byte, 256)
	for {
		if err := u.conn.SetReadDeadline(time.Now().Add(quietPeriod)); err != nil {
			return errors.WithStack(err)
		}
		n, err := u.r.Read(buf)
		if n > 0 {
			u.log.Debug().Int("bytes", n).Msg("dropped")
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return errors.Wrap(err, "resync")
		}
	}
	rep, err := u.roundTrip(reqNop, make([]byte, 8))
	if err != nil {
		return errors.Wrap(err, "resync")
	}
	if rep.Status != stOK {
		return models.NewProtocolError("resync NOP failed: %s", statusName(rep.Status))
	}
	return nil
}

func (u *uart) popPending() models.Frame {
	if len(u.pending) == 0 {
		return nil
	}
	f := u.pending[0]
	u.pending = u.pending[1:]
	return f
}

func (u *uart) readMem(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	req, err := packMemRequest(memRequest{Addr: addr, Size: uint64(size)})
	if err != nil {
		return nil, err
	}
	rep, err := u.command(reqMemRead, req, true)
	if err != nil {
		return nil, err
	}
	if rep.Status != stOK {
		return nil, errors.WithStack(&models.RemoteError{Op: "memread", Status: int64(rep.Status)})
	}
	data := make([]byte, size)
	if err := u.read(context.Background(), data, time.Now().Add(u.timeout)); err != nil {
		return nil, err
	}
	want := binary.LittleEndian.Uint32(rep.Data[:4])
	if sum := checksum(data); sum != want {
		return nil, models.NewProtocolError("memread 0x%x+0x%x: data checksum 0x%08x, expected 0x%08x", addr, size, want, sum)
	}
	return data, nil
}

func (u *uart) writeMem(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	req, err := packMemRequest(memRequest{Addr: addr, Size: uint64(len(p)), Sum: checksum(p)})
	if err != nil {
		return err
	}
	try := func() (*replyFrame, error) {
		if err := u.send(reqMemWrite, req); err != nil {
			return nil, err
		}
		if err := u.write(p); err != nil {
			return nil, err
		}
		return u.reply(reqMemWrite)
	}
	rep, err := try()
	if err != nil && models.IsProtocolError(err) || err == nil && rep.Status == stXferErr {
		u.log.Warn().Err(err).Uint64("addr", addr).Msg("memwrite failed, retrying")
		if err := u.resync(); err != nil {
			return err
		}
		rep, err = try()
	}
	if err != nil {
		return err
	}
	if rep.Status != stOK {
		return errors.WithStack(&models.RemoteError{Op: "memwrite", Status: int64(rep.Status)})
	}
	return nil
}

func packMemRequest(req memRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &req, models.LE); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}
