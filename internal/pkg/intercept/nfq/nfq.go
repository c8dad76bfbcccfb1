// Package nfq diverts a flow into a Linux NFQUEUE and re-injects each packet
// by issuing an accept verdict once the engine releases it.
package nfq

import (
	"fmt"
	"net"
	"strings"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/shell"
)

const ruleSeparator = ";"

// Config for the NFQUEUE backend.
type Config struct {
	QueueNum     uint16
	MaxQueueLen  uint32
	MaxPacketLen uint32

	// InstallRules makes Open insert the iptables rules that steer the flow
	// into the queue, and Close remove them.
	InstallRules bool

	// Shell runs the iptables commands. Nil uses the real shell.
	Shell shell.Shell
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		QueueNum:     constants.DefaultQueueNum,
		MaxQueueLen:  constants.DefaultNFQueueMaxLen,
		MaxPacketLen: constants.MaxSnapshotLen,
		InstallRules: true,
	}
}

// Source opens NFQUEUE handles.
type Source struct {
	cfg Config
}

var _ intercept.Source = &Source{}

// New creates an NFQUEUE source. A nil config uses DefaultConfig.
func New(config *Config) *Source {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = constants.DefaultNFQueueMaxLen
	}
	if cfg.MaxPacketLen == 0 {
		cfg.MaxPacketLen = constants.MaxSnapshotLen
	}
	if cfg.Shell == nil {
		cfg.Shell = shell.New(false)
	}
	return &Source{cfg: cfg}
}

// Name returns the backend name.
func (s *Source) Name() string {
	return "nfqueue"
}

// Filter returns the iptables matches selecting the flow, one per protocol
// and address family, joined by ";". Each match starts with the binary that
// owns it, e.g. "iptables -p udp --sport 27015".
func (s *Source) Filter(spec intercept.FilterSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	binaries := []string{"iptables", "ip6tables"}
	if spec.RemoteAddr != "" {
		if net.ParseIP(spec.RemoteAddr).To4() != nil {
			binaries = binaries[:1]
		} else {
			binaries = binaries[1:]
		}
	}

	var matches []string
	for _, bin := range binaries {
		for _, proto := range spec.Protocols() {
			m := []string{bin, "-p", proto}
			if spec.LocalPort != 0 {
				m = append(m, "--sport", fmt.Sprint(spec.LocalPort))
			}
			if spec.RemoteAddr != "" {
				m = append(m, "-d", spec.RemoteAddr)
			}
			matches = append(matches, strings.Join(m, " "))
		}
	}
	return strings.Join(matches, ruleSeparator), nil
}

// Open binds the queue and, if configured, installs the steering rules.
func (s *Source) Open(filter string) (intercept.Handle, error) {
	matches, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	h, err := openHandle(&s.cfg)
	if err != nil {
		return nil, err
	}

	if s.cfg.InstallRules {
		r := &rules{sh: s.cfg.Shell, queueNum: s.cfg.QueueNum}
		if err := r.install(matches); err != nil {
			h.Close()
			return nil, err
		}
		h.rules = r
	}
	return h, nil
}

func parseFilter(filter string) ([]string, error) {
	var matches []string
	for _, m := range strings.Split(filter, ruleSeparator) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "iptables ") && !strings.HasPrefix(m, "ip6tables ") {
			return nil, fmt.Errorf("%w: %q is not an iptables match", intercept.ErrInvalidFilter, m)
		}
		matches = append(matches, m)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: empty nfqueue filter", intercept.ErrInvalidFilter)
	}
	return matches, nil
}

// rules inserts and removes the NFQUEUE jump rules for a set of matches.
type rules struct {
	sh        shell.Shell
	queueNum  uint16
	installed []string
}

func (r *rules) install(matches []string) error {
	for _, m := range matches {
		bin, match, _ := strings.Cut(m, " ")
		err := shell.Runf(r.sh, "%s -I OUTPUT %s -j NFQUEUE --queue-num %d --queue-bypass", bin, match, r.queueNum)
		if err != nil {
			r.remove()
			return fmt.Errorf("install nfqueue rule: %w", err)
		}
		r.installed = append(r.installed, m)
	}
	return nil
}

// remove deletes installed rules in reverse order and returns the first error.
func (r *rules) remove() error {
	var first error
	for i := len(r.installed) - 1; i >= 0; i-- {
		bin, match, _ := strings.Cut(r.installed[i], " ")
		err := shell.Runf(r.sh, "%s -D OUTPUT %s -j NFQUEUE --queue-num %d --queue-bypass", bin, match, r.queueNum)
		if err != nil && first == nil {
			first = fmt.Errorf("remove nfqueue rule: %w", err)
		}
	}
	r.installed = nil
	return first
}
