// Package encoder detects and tracks hardware video encoder availability.
//
// Detection runs once per process: the first encoder family the ffmpeg
// build lists is probed with a tiny synthetic encode, because a build can
// list NVENC while the driver refuses to open a session. Runtime failures
// can permanently disable the encoder, after which all encodes use CPU.
package encoder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/forPelevin/phrasecut/internal/logging"
	"github.com/forPelevin/phrasecut/internal/ports"
)

// Encoder is a verified hardware encoder and the arguments it was verified
// with.
type Encoder struct {
	Name string
	Args []string
}

// VideoArgs returns the ffmpeg video codec arguments selecting this
// encoder.
func (e *Encoder) VideoArgs() []string {
	args := make([]string, 0, 2+len(e.Args))
	args = append(args, "-c:v", e.Name)
	return append(args, e.Args...)
}

// IsNVENC reports whether this is an NVIDIA NVENC encoder.
func (e *Encoder) IsNVENC() bool {
	return strings.Contains(strings.ToLower(e.Name), "nvenc")
}

// MinimalNVENCArgs is the reduced argument set tried once when NVENC
// rejects the tuned parameters with exit code 244.
func MinimalNVENCArgs() []string {
	return []string{"-c:v", "h264_nvenc", "-preset", "p4"}
}

// Tool is the slice of the video tool needed for detection.
type Tool interface {
	ListEncoders(ctx context.Context) (string, error)
	ProbeEncoder(ctx context.Context, encoder string, args []string) error
}

const (
	listTimeout  = 5 * time.Second
	probeTimeout = 15 * time.Second
)

// Probe argument sets per encoder family. NVENC gets several because some
// driver generations accept only a subset of the rate control modes;
// simpler configurations are tried first.
var candidates = []struct {
	name    string
	argSets [][]string
}{
	{"h264_nvenc", [][]string{
		{"-preset", "p4"},
		{"-preset", "p4", "-rc", "vbr"},
		{"-preset", "p1", "-rc", "cbr", "-b:v", "5M"},
		{"-preset", "p4", "-rc", "constqp", "-qp", "23"},
		{"-preset", "p4", "-rc", "vbr", "-cq", "23"},
	}},
	{"hevc_nvenc", [][]string{
		{"-preset", "p4", "-rc", "vbr", "-cq", "23"},
	}},
	{"h264_qsv", [][]string{
		{"-preset", "medium", "-global_quality", "23"},
	}},
	{"h264_amf", [][]string{
		{"-quality", "balanced", "-rc", "vbr_peak", "-qmin", "18", "-qmax", "28"},
	}},
	{"h264_vaapi", [][]string{
		{"-qp", "23"},
	}},
	{"h264_videotoolbox", [][]string{
		{"-allow_sw", "1", "-b:v", "5M"},
	}},
}

// Capability caches encoder detection for the life of the process.
type Capability struct {
	tool Tool
	log  *slog.Logger

	once sync.Once

	mu       sync.Mutex
	disabled bool
	enc      *Encoder
}

func NewCapability(tool Tool, log *slog.Logger) *Capability {
	return &Capability{tool: tool, log: logging.WithComponent(log, "encoder")}
}

// Detect probes for a working hardware encoder. Only the first call runs
// the probes; later calls return the cached result.
func (c *Capability) Detect(ctx context.Context) *Encoder {
	c.once.Do(func() {
		enc := c.detect(ctx)
		c.mu.Lock()
		if !c.disabled {
			c.enc = enc
		}
		c.mu.Unlock()
	})
	return c.Get()
}

// Get returns the detected encoder, or nil when none works or it was
// disabled.
func (c *Capability) Get() *Encoder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc
}

// Disable turns hardware encoding off for the rest of the process. There
// is no way back: an encoder that failed on a real input will keep
// failing.
func (c *Capability) Disable(reason string) {
	c.mu.Lock()
	already := c.disabled
	c.disabled = true
	c.enc = nil
	c.mu.Unlock()
	if !already {
		c.log.Warn("hardware encoder disabled, switching to cpu", "reason", reason)
	}
}

func (c *Capability) detect(ctx context.Context) *Encoder {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	encoders, err := c.tool.ListEncoders(listCtx)
	if err != nil {
		c.log.Debug("could not list encoders", "error", err)
		return nil
	}

	for _, cand := range candidates {
		if !strings.Contains(encoders, cand.name) {
			continue
		}
		for _, args := range cand.argSets {
			if c.probe(ctx, cand.name, args) {
				c.log.Info("hardware encoder verified",
					"encoder", cand.name,
					"args", strings.Join(args, " "))
				return &Encoder{Name: cand.name, Args: args}
			}
		}
		// The build lists this family but no argument set initializes,
		// so the device is unusable. Other families share the same
		// hardware and are not tried.
		c.log.Info("hardware encoder listed but not functional, using cpu", "encoder", cand.name)
		return nil
	}

	c.log.Info("no hardware encoder found, using cpu")
	return nil
}

func (c *Capability) probe(ctx context.Context, name string, args []string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.tool.ProbeEncoder(probeCtx, name, args); err != nil {
		c.log.Debug("encoder probe failed", "encoder", name, "error", err)
		return false
	}
	return true
}

// Stderr fragments that mark an encoder-level failure, matched
// case-insensitively.
var failureMarkers = []string{
	"nvenc",
	"no capable devices",
	"incompatible client key",
	"openencodesessionex failed",
	"no device",
	"cannot load",
	"failed to initialize",
	"error while opening encoder",
	"could not open encoder",
	"encoder initialization",
	"invalid parameter",
}

// IsEncoderFailure reports whether an encode error points at the hardware
// encoder rather than the input. Exit codes 187 (initialization) and 244
// (invalid parameter) come from NVENC.
func IsEncoderFailure(err error) bool {
	var execErr *ports.ExecError
	if !errors.As(err, &execErr) {
		return false
	}
	if execErr.ExitCode == 187 || execErr.ExitCode == 244 {
		return true
	}
	stderr := strings.ToLower(execErr.Stderr)
	for _, marker := range failureMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// IsInvalidParameter reports the specific failure a minimal-argument NVENC
// retry can sometimes fix.
func IsInvalidParameter(err error) bool {
	var execErr *ports.ExecError
	return errors.As(err, &execErr) && execErr.ExitCode == 244
}
