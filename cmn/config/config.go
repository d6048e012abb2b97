// Package config is the runtime's ambient configuration layer: a process
// wide Config loaded once at bsp.Init (defaults, optionally overridden by a
// JSON file), exposed through a global config owner (GCO) and a small set
// of runtime tunables (Rom) the way the teacher exposes cmn.GCO/cmn.Rom.
package config

import (
	"os"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/bspgo/bsprt/cmn/nlog"
)

// Config holds the runtime's tunables. Only Verbosity (applied by GCO.Put)
// and CompressionThreshold (passed to the transport by bsp.Init) are read
// by the runtime; the other fields are loaded and exposed, some through
// Rom, but nothing consumes them: the barrier engine picks its own table
// sizes and starts at tag size 0, multictx builds shared sets with
// compression off, and tcpmesh uses a fixed 10-second dial deadline.
type Config struct {
	// SlotSize is the column table's 8-byte-aligned slot unit (spec.md §3).
	SlotSize int `json:"slot_size"`
	// InitialRows is the column table's starting row count R.
	InitialRows int `json:"initial_rows"`
	// InitialTagSize is the BSMP tag size in effect before any settag.
	InitialTagSize int `json:"initial_tag_size"`
	// CompressionThreshold is the payload size, in bytes, above which the
	// networked transport backend compresses an alltoallv column (0
	// disables compression entirely).
	CompressionThreshold int `json:"compression_threshold"`
	// SharedCompressionThreshold is the analogous threshold for C11's
	// broadcast of a parent value's serialized image.
	SharedCompressionThreshold int `json:"shared_compression_threshold"`
	// Verbosity is the default nlog/FastV gate level.
	Verbosity int32 `json:"verbosity"`
	// DialTimeout bounds the tcpmesh backend's peer bootstrap.
	DialTimeout time.Duration `json:"dial_timeout"`
	// Keepalive is what Rom.MaxKeepalive returns (mirrors the teacher's
	// cmn.Rom.MaxKeepalive()); the barrier engine has no idle or
	// quiescence check that uses it.
	Keepalive time.Duration `json:"keepalive"`
	// CplaneOperation is the control-plane timeout budget (mirrors
	// cmn.Rom.CplaneOperation()).
	CplaneOperation time.Duration `json:"cplane_operation"`
}

// Default returns the out-of-the-box configuration.
func Default() *Config {
	return &Config{
		SlotSize:                   8,
		InitialRows:                16,
		InitialTagSize:             0,
		CompressionThreshold:       64 * 1024,
		SharedCompressionThreshold: 16 * 1024,
		Verbosity:                  2,
		DialTimeout:                10 * time.Second,
		Keepalive:                  2 * time.Second,
		CplaneOperation:            5 * time.Second,
	}
}

// Load reads a JSON config file over the defaults; a missing path is not
// an error (Default() alone is returned).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// gco is the Global Config Owner: an atomically-swappable pointer to the
// current Config, mirroring the teacher's cmn.GCO.
type gco struct {
	v atomic.Pointer[Config]
}

func (g *gco) Get() *Config { return g.v.Load() }
func (g *gco) Put(c *Config) {
	g.v.Store(c)
	nlog.SetVerbosity(c.Verbosity)
}

// GCO is the process-wide config owner. bsp.Init calls GCO.Put once.
var GCO = &gco{}

func init() { GCO.Put(Default()) }

// rom exposes the small set of always-available runtime tunables that
// don't need the full Config round trip — mirrors cmn.Rom.
type rom struct{}

// Rom is the package-level runtime-tunables handle.
var Rom rom

// FastV reports whether nlog calls at the given verbosity level and module
// should fire; module is accepted for symmetry with the teacher's
// per-module verbosity (currently a single global level gates everything).
func (rom) FastV(level int32, _ string) bool { return nlog.Verbosity() >= level }

func (rom) CplaneOperation() time.Duration { return GCO.Get().CplaneOperation }
func (rom) MaxKeepalive() time.Duration    { return GCO.Get().Keepalive }
