package trace

import (
	"io"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/hvcorn/hvcorn/go/models"
)

var TRACE_MAGIC = "HVEV"

const traceVersion = 1

// TraceHeader is written uncompressed at the start of every event log.
type TraceHeader struct {
	// MAGIC ("HVEV")
	Magic   string `struc:"[4]byte" json:"-"`
	Version uint32 `json:"version"`
	// session id, also attached to every log line of the session
	Session string `struc:"[36]byte" json:"session"`
	// unix nanoseconds
	Started int64 `json:"started"`
	// device the session was attached to, right-null-padded
	Device string `struc:"[64]byte" json:"device"`
}

// Record is one event frame as it came off the wire.
type Record struct {
	Type models.EventType `struc:"uint16"`
	Size uint16           `struc:"uint16,sizeof=Data"`
	// nanoseconds since Started
	Time int64  `struc:"int64"`
	Data []byte `struc:"[]byte"`
}

type TraceWriter struct {
	w       io.WriteCloser
	zw      *snappy.Writer
	started time.Time
}

func NewWriter(w io.WriteCloser, session uuid.UUID, device string) (*TraceWriter, error) {
	now := time.Now()
	header := &TraceHeader{
		Magic:   TRACE_MAGIC,
		Version: traceVersion,
		Session: session.String(),
		Started: now.UnixNano(),
		Device:  device,
	}
	if err := struc.PackWithOptions(w, header, models.LE); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &TraceWriter{w: w, zw: snappy.NewBufferedWriter(w), started: now}, nil
}

// Write appends one event.
func (t *TraceWriter) Write(typ models.EventType, data []byte) error {
	if len(data) > 0xffff {
		return errors.Errorf("event too large: %d bytes", len(data))
	}
	rec := &Record{Type: typ, Time: int64(time.Since(t.started)), Data: data}
	return errors.WithStack(struc.PackWithOptions(t.zw, rec, models.LE))
}

func (t *TraceWriter) Flush() error {
	return errors.WithStack(t.zw.Flush())
}

func (t *TraceWriter) Close() error {
	err := t.zw.Close()
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	return errors.WithStack(err)
}

type TraceReader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header TraceHeader
}

func NewReader(r io.ReadCloser) (*TraceReader, error) {
	t := &TraceReader{r: r}
	if err := struc.UnpackWithOptions(r, &t.Header, models.LE); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid event log magic")
	}
	if t.Header.Version != traceVersion {
		return nil, errors.Errorf("unsupported event log version %d", t.Header.Version)
	}
	t.Header.Session = strings.TrimRight(t.Header.Session, "\x00")
	t.Header.Device = strings.TrimRight(t.Header.Device, "\x00")
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next record, or io.EOF at the end of the log.
func (t *TraceReader) Next() (*Record, error) {
	rec := &Record{}
	if err := struc.UnpackWithOptions(t.zr, rec, models.LE); err != nil {
		if errors.Cause(err) == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.WithStack(err)
	}
	return rec, nil
}

// Decode turns a record back into its event struct.
func (r *Record) Decode() (interface{}, error) {
	var v interface{}
	switch r.Type {
	case models.EventMMIOTrace:
		v = &models.EvtMMIOTrace{}
	case models.EventIRQTrace:
		v = &models.EvtIRQTrace{}
	default:
		return nil, errors.Errorf("unknown event type %d", r.Type)
	}
	if err := models.Unpack(r.Data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Record) String() string {
	v, err := r.Decode()
	if err != nil {
		return err.Error()
	}
	switch e := v.(type) {
	case *models.EvtMMIOTrace:
		ev := models.MMIOEvent{Flags: e.Flags, PC: e.PC, Addr: e.Addr, Data: e.Data}
		return ev.String()
	case *models.EvtIRQTrace:
		return e.String()
	}
	return ""
}

func (t *TraceReader) Close() {
	t.zr.Reset(nil)
	t.r.Close()
}
