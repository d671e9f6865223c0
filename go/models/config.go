package models

import (
	"io"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigVersions is the range of config file versions this build understands.
const ConfigVersions = ">= 1.0.0, < 2.0.0"

type Config struct {
	Version string `yaml:"version"`

	// Transport: /dev/ttyACM0[:baud] or tcp://host:port
	Device  string        `yaml:"device"`
	Timeout time.Duration `yaml:"timeout"`
	// semver constraint for the monitor banner, e.g. ">= 1.4.0"
	MonitorVersion string `yaml:"monitor_version"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	// binary MMIO event log, empty disables
	EventLog string `yaml:"event_log"`
	Symbols  string `yaml:"symbols"`
	Script   string `yaml:"script"`

	Target   Target         `yaml:"target"`
	Tracers  []TracerPreset `yaml:"tracers"`
	Passthru []RangeSpec    `yaml:"passthrough"`
	Reserved []RangeSpec    `yaml:"reserved"`

	// 0xaddr, sym or sym+off, armed at the first stop
	Breakpoints []string `yaml:"breakpoints"`

	Sysregs struct {
		Skip     []string          `yaml:"skip"`
		ReadOnly []string          `yaml:"readonly"`
		Redirect map[string]string `yaml:"redirect"`
	} `yaml:"sysregs"`

	Color  bool      `yaml:"-"`
	Output io.Writer `yaml:"-"`
}

// Target describes the SoC the monitor runs on.
type Target struct {
	CPUs []CPUNode `yaml:"cpus"`
	// step past the first-level vectors of these indices with HVC patches
	PatchVectors bool `yaml:"patch_vectors"`
}

// CPUNode is one logical CPU; its index in Target.CPUs is its id.
type CPUNode struct {
	// (die << 11) | (cluster << 8) | core
	Reg     uint64 `yaml:"reg"`
	ImplReg uint64 `yaml:"impl_reg"`
}

func CPUReg(die, cluster, core int) uint64 {
	return uint64(die)<<11 | uint64(cluster)<<8 | uint64(core)
}

func (c CPUNode) Die() int     { return int(c.Reg>>11) & 0x1f }
func (c CPUNode) Cluster() int { return int(c.Reg>>8) & 0x7 }
func (c CPUNode) Core() int    { return int(c.Reg & 0xff) }

type RangeSpec struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

type TracerPreset struct {
	Name   string            `yaml:"name"`
	Start  uint64            `yaml:"start"`
	Size   uint64            `yaml:"size"`
	Mode   TraceMode         `yaml:"mode"`
	Config map[string]string `yaml:"config"`
}

func DefaultConfig() *Config {
	c := &Config{
		Version: "1.0.0",
		Device:  "/dev/ttyACM0:115200",
		Timeout: 3 * time.Second,
		Output:  os.Stderr,
	}
	c.Log.Level = "info"
	c.Log.Pretty = true
	return c
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return errors.Wrapf(err, "bad config version %q", c.Version)
	}
	constraint, err := semver.NewConstraint(ConfigVersions)
	if err != nil {
		return errors.WithStack(err)
	}
	if !constraint.Check(v) {
		return errors.Errorf("config version %s not supported (want %s)", v, ConfigVersions)
	}
	if c.MonitorVersion != "" {
		if _, err := semver.NewConstraint(c.MonitorVersion); err != nil {
			return errors.Wrapf(err, "bad monitor_version %q", c.MonitorVersion)
		}
	}
	for _, desc := range c.Breakpoints {
		if _, err := ParseBreakpoint(desc); err != nil {
			return errors.Wrapf(err, "breakpoint %q", desc)
		}
	}
	for _, t := range c.Tracers {
		if t.Name == "" {
			return errors.Errorf("tracer preset at 0x%x has no name", t.Start)
		}
		if t.Size == 0 {
			return errors.Errorf("tracer preset %s has zero size", t.Name)
		}
		switch t.Config["only"] {
		case "", "read", "write":
		default:
			return errors.Errorf("tracer preset %s: only must be read or write", t.Name)
		}
	}
	for _, name := range append(append([]string{}, c.Sysregs.Skip...), c.Sysregs.ReadOnly...) {
		if _, err := ParseSysReg(name); err != nil {
			return err
		}
	}
	for from, to := range c.Sysregs.Redirect {
		if _, err := ParseSysReg(from); err != nil {
			return err
		}
		if _, err := ParseSysReg(to); err != nil {
			return err
		}
	}
	return nil
}
