package debug

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/hv"
	"github.com/hvcorn/hvcorn/go/models"
	"github.com/hvcorn/hvcorn/go/models/mock"
)

const ctxAddr = 0x10000

func TestEscape(t *testing.T) {
	raw := []byte("a#b$c}d*e")
	esc := escape(raw)
	assert.NotContains(t, string(esc), "#")
	assert.NotContains(t, string(esc), "$")
	assert.Equal(t, raw, unescape(esc))
	assert.Equal(t, "00", string(checksum(nil)))
	assert.Equal(t, "3f", string(checksum([]byte("?"))))
}

func TestParseThread(t *testing.T) {
	cpu, ok := parseThread("-1")
	assert.True(t, ok)
	assert.Equal(t, -1, cpu)
	cpu, ok = parseThread("3")
	assert.True(t, ok)
	assert.Equal(t, 2, cpu)
	_, ok = parseThread("zz")
	assert.False(t, ok)
}

func TestRegBytes(t *testing.T) {
	ctx := &models.ExcInfo{ELR: 0x8104, SPSR: 0x3c5}
	ctx.SP[1] = 0x4000
	p, ok := regBytes(ctx, regPC)
	require.True(t, ok)
	assert.Equal(t, "0481000000000000", hex.EncodeToString(p))
	p, ok = regBytes(ctx, regCPSR)
	require.True(t, ok)
	assert.Len(t, p, 4)
	p, _ = regBytes(ctx, regSP)
	assert.Equal(t, "0040000000000000", hex.EncodeToString(p))
	_, ok = regBytes(ctx, 99)
	assert.False(t, ok)

	assert.True(t, setRegBytes(ctx, regSP, []byte{0, 0x50, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, uint64(0x5000), ctx.SP[1])
	assert.False(t, setRegBytes(ctx, 3, []byte{1}))
}

type gdbClient struct {
	t    *testing.T
	conn net.Conn
	in   *bufio.Reader
}

func (c *gdbClient) send(data string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "$%s#%s", data, checksum([]byte(data)))
	require.NoError(c.t, err)
	b, err := c.in.ReadByte()
	require.NoError(c.t, err)
	require.Equal(c.t, byte('+'), b)
}

func (c *gdbClient) recv() string {
	c.t.Helper()
	_, err := c.in.ReadString('$')
	require.NoError(c.t, err)
	body, err := c.in.ReadString('#')
	require.NoError(c.t, err)
	_, err = io.ReadFull(c.in, make([]byte, 2))
	require.NoError(c.t, err)
	c.conn.Write([]byte("+"))
	return string(unescape([]byte(strings.TrimSuffix(body, "#"))))
}

func (c *gdbClient) call(data string) string {
	c.t.Helper()
	c.send(data)
	return c.recv()
}

// attach stops the guest on a user interrupt with the stub as its shell and
// connects a client to it.
func attach(t *testing.T, ctx *models.ExcInfo) (*gdbClient, *mock.Remote, *hv.HV, chan error) {
	t.Helper()
	r := mock.New()
	cfg := models.DefaultConfig()
	cfg.Output = io.Discard
	h, err := hv.New(r, cfg, hv.Options{Output: io.Discard})
	require.NoError(t, err)
	require.NoError(t, h.Init())

	stub, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { stub.Close() })
	h.SetShell(stub)

	r.PutContext(0, ctxAddr, ctx)
	r.Push(&models.Notification{Reason: models.StartHV, Code: uint32(models.HvUserInterrupt), Info: ctxAddr})

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	conn, err := net.DialTimeout("tcp", stub.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &gdbClient{t: t, conn: conn, in: bufio.NewReader(conn)}, r, h, done
}

func TestGdbSession(t *testing.T) {
	ctx := &models.ExcInfo{ELR: 0x8104}
	ctx.Regs[0] = 0x1122
	c, r, h, done := attach(t, ctx)
	require.NoError(t, r.WriteMem(0x9000, []byte{0xaa, 0xbb, 0xcc, 0xdd}))

	assert.Equal(t, "T02thread:1;", c.call("?"))
	assert.Contains(t, c.call("qSupported:multiprocess+"), "qXfer:features:read+")
	assert.Equal(t, "1", c.call("qAttached"))
	assert.Equal(t, "QC1", c.call("qC"))
	assert.Equal(t, "m1", c.call("qfThreadInfo"))
	assert.Equal(t, "l", c.call("qsThreadInfo"))
	assert.True(t, strings.HasPrefix(c.call("qXfer:features:read:target.xml:0,20"), "m<?xml"))
	assert.Equal(t, "", c.call("vMustReplyEmpty"))

	assert.Equal(t, "2211000000000000", c.call("p0"))
	assert.Equal(t, "0481000000000000", c.call("p20"))
	assert.Equal(t, "E01", c.call("p99"))
	assert.Equal(t, "OK", c.call("P1=efbeadde00000000"))
	g := c.call("g")
	assert.Len(t, g, (33*8+4)*2)
	assert.Equal(t, "efbeadde00000000", g[16:32])

	assert.Equal(t, "aabbccdd", c.call("m9000,4"))
	assert.Equal(t, "OK", c.call("M9000,2:0102"))
	assert.Equal(t, "0102ccdd", c.call("m9000,4"))

	assert.Equal(t, "OK", c.call("Hg1"))
	assert.Equal(t, "E01", c.call("Hg5"))
	assert.Equal(t, "OK", c.call("T1"))
	assert.Equal(t, "E01", c.call("T4"))

	assert.Equal(t, "OK", c.call("Z1,8200,4"))
	assert.Equal(t, "OK", c.call("Z1,8200,4"))
	assert.Equal(t, "OK", c.call("Z2,9000,8"))
	assert.Equal(t, "E01", c.call("z3,9100,8"))

	out := c.call("qRcmd," + hex.EncodeToString([]byte("sym 0x8104")))
	require.True(t, strings.HasPrefix(out, "O"))
	text, err := hex.DecodeString(out[1:])
	require.NoError(t, err)
	assert.Contains(t, string(text), "0x8104")
	assert.Equal(t, "OK", c.recv())

	c.send("k")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.True(t, h.Exited())
	assert.Equal(t, 1, r.Count("reboot"))
	assert.Equal(t, uint64(0x8200), h.Breakpoints()[0])
	assert.Equal(t, uint64(0xdeadbeef), r.Context(0).Regs[1])
}

func TestGdbDetachResumes(t *testing.T) {
	c, r, h, done := attach(t, &models.ExcInfo{ELR: 0x8104})
	assert.Equal(t, "OK", c.call("D"))
	select {
	case err := <-done:
		// nothing else is queued, so the resumed guest runs into EOF
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.False(t, h.Exited())
	assert.Equal(t, 0, r.Count("reboot"))
}

func TestGdbTargetXML(t *testing.T) {
	assert.Contains(t, targetXML, `<architecture>aarch64</architecture>`)
	assert.Contains(t, targetXML, `name="pc"`)
	assert.Contains(t, targetXML, `regnum="33"`)
}
