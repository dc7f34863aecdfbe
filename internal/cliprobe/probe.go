// Package cliprobe detects installed provider CLIs and their versions.
package cliprobe

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/mod/semver"

	"github.com/quotaguard/quotabar/internal/logging"
)

const (
	// DefaultTimeout bounds one probe invocation before it is terminated.
	DefaultTimeout = 2 * time.Second
	// DefaultKillDelay is how long a terminated probe may linger before it is killed.
	DefaultKillDelay = 500 * time.Millisecond
)

var versionArgs = [][]string{{"--version"}, {"version"}, {"-v"}}

// Prober runs version probes and caches the results per binary for the life
// of the process.
type Prober struct {
	timeout   time.Duration
	killDelay time.Duration
	lookPath  func(string) (string, error)
	logger    *logging.Logger

	mu    sync.Mutex
	cache map[string]string
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout overrides the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithKillDelay overrides the delay between terminate and kill.
func WithKillDelay(d time.Duration) Option {
	return func(p *Prober) { p.killDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		timeout:   DefaultTimeout,
		killDelay: DefaultKillDelay,
		lookPath:  exec.LookPath,
		logger:    logging.Nop(),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultProber = New()

// DetectVersion probes binary with the shared default Prober.
func DetectVersion(ctx context.Context, binary string) string {
	return defaultProber.DetectVersion(ctx, binary)
}

// LookPath reports the resolved path of binary, or "" when it is not installed.
func (p *Prober) LookPath(binary string) string {
	path, err := p.lookPath(binary)
	if err != nil {
		return ""
	}
	return path
}

// DetectVersion returns the first non-empty output line of the first
// version flag that exits 0, or "" when the binary is missing or every
// probe fails. Only definitive results are cached: a run cut short by ctx
// or by the probe timeout is tried again on the next call.
func (p *Prober) DetectVersion(ctx context.Context, binary string) string {
	p.mu.Lock()
	if v, ok := p.cache[binary]; ok {
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	version, definitive := p.detect(ctx, binary)
	if !definitive {
		return version
	}

	p.mu.Lock()
	p.cache[binary] = version
	p.mu.Unlock()
	return version
}

func (p *Prober) detect(ctx context.Context, binary string) (string, bool) {
	path := p.LookPath(binary)
	if path == "" {
		p.logger.Debug("cli not found", "binary", binary)
		return "", true
	}
	definitive := true
	for _, args := range versionArgs {
		if ctx.Err() != nil {
			return "", false
		}
		out, interrupted, err := p.run(ctx, path, args)
		if err != nil {
			p.logger.Debug("version probe failed", "binary", binary, "args", strings.Join(args, " "), "error", err)
			if interrupted {
				definitive = false
			}
			continue
		}
		if line := firstLine(out); line != "" {
			return line, true
		}
	}
	return "", definitive && ctx.Err() == nil
}

// run executes one probe. interrupted reports that the probe was stopped
// by the timeout or by ctx rather than exiting on its own.
func (p *Prober) run(ctx context.Context, path string, args []string) (out []byte, interrupted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.killDelay

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, ctx.Err() != nil, err
	}
	return stdout.Bytes(), false, nil
}

func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

var versionPattern = regexp.MustCompile(`v?\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.-]+)?`)

// Canonical extracts a semantic version from free-form probe output, such
// as "codex-cli 0.41.0", and returns it in canonical "vMAJOR.MINOR.PATCH"
// form. It returns "" when no valid version is present.
func Canonical(output string) string {
	for _, m := range versionPattern.FindAllString(output, -1) {
		v := m
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		if semver.IsValid(v) {
			return semver.Canonical(v)
		}
	}
	return ""
}

// AtLeast reports whether output carries a version >= min.
func AtLeast(output, min string) bool {
	v := Canonical(output)
	if v == "" {
		return false
	}
	if !strings.HasPrefix(min, "v") {
		min = "v" + min
	}
	return semver.Compare(v, min) >= 0
}
