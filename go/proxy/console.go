package proxy

import (
	"io"
	"regexp"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

var bannerRe = regexp.MustCompile(`m1n1 v?(\d+\.\d+(?:\.\d+)?)`)

// console forwards monitor output that isn't part of a frame, one "TTY> "
// prefixed line at a time, and remembers the version from the boot banner.
type console struct {
	mu      sync.Mutex
	out     io.Writer
	line    []byte
	version string
}

func newConsole(out io.Writer) *console {
	if out == nil {
		out = io.Discard
	}
	return &console{out: out}
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range p {
		if len(c.line) == 0 {
			c.line = append(c.line, "TTY> "...)
		}
		c.line = append(c.line, b)
		if b == '\n' {
			c.flush()
		}
	}
	return len(p), nil
}

func (c *console) flush() {
	if m := bannerRe.FindSubmatch(c.line); m != nil {
		c.version = string(m[1])
	}
	c.out.Write(c.line)
	c.line = c.line[:0]
}

func (c *console) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// CheckVersion reports whether a monitor version satisfies a constraint such
// as ">= 1.4.0". An empty constraint accepts anything.
func CheckVersion(version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "bad monitor version constraint %q", constraint)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "bad monitor version %q", version)
	}
	if !c.Check(v) {
		return errors.Errorf("monitor version %s does not satisfy %s", v, constraint)
	}
	return nil
}
