package proxy

import (
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultBaud = 115200

// Conn is the byte stream to the monitor. Reads past the deadline fail with
// os.ErrDeadlineExceeded; *os.File ttys and net.Conn both qualify.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Open connects to a device given as tcp://host:port or /dev/path[:baud].
func Open(device string, timeout time.Duration) (Conn, error) {
	if addr, ok := strings.CutPrefix(device, "tcp://"); ok {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to connect to %s", addr)
		}
		return conn, nil
	}
	path, baud, err := splitDevice(device)
	if err != nil {
		return nil, err
	}
	return openSerial(path, baud)
}

func splitDevice(device string) (string, int, error) {
	i := strings.LastIndexByte(device, ':')
	if i < 0 {
		return device, defaultBaud, nil
	}
	baud, err := strconv.Atoi(device[i+1:])
	if err != nil {
		return "", 0, errors.Errorf("bad baud rate in %q", device)
	}
	return device[:i], baud, nil
}
