//go:build !linux

package proxy

import (
	"github.com/pkg/errors"
)

func openSerial(path string, baud int) (Conn, error) {
	return nil, errors.Errorf("serial devices are only supported on linux, use tcp:// for %s", path)
}
