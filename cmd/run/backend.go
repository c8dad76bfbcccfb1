package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/capture"
	"github.com/endorses/lagswitch/internal/pkg/cmdutil"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/intercept/live"
	"github.com/endorses/lagswitch/internal/pkg/intercept/nfq"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/shell"
	"github.com/google/gopacket/layers"
)

// Backends selectable with --backend.
const (
	BackendNFQueue = "nfqueue"
	BackendPcap    = "pcap"
)

// backendConfig is the backend part of the resolved settings.
type backendConfig struct {
	Name string

	QueueNum     int
	MaxQueueLen  int
	InstallRules bool
	DryRun       bool

	Interface       string
	InjectInterface string
	PcapTimeout     time.Duration
	PcapBufferSize  string
	Promiscuous     bool
}

// newSource builds the interception backend and returns the link type of
// the packets it delivers.
func newSource(cfg backendConfig) (intercept.Source, layers.LinkType, error) {
	switch strings.ToLower(cfg.Name) {
	case BackendNFQueue, "nfq", "":
		if cfg.QueueNum < 0 || cfg.QueueNum > 65535 {
			return nil, 0, fmt.Errorf("queue number %d out of range", cfg.QueueNum)
		}
		ncfg := nfq.DefaultConfig()
		ncfg.QueueNum = uint16(cfg.QueueNum)
		if cfg.MaxQueueLen > 0 {
			ncfg.MaxQueueLen = uint32(cfg.MaxQueueLen)
		}
		ncfg.InstallRules = cfg.InstallRules
		ncfg.Shell = shell.New(cfg.DryRun)
		// NFQUEUE hands over the IP packet without a link-layer header.
		return nfq.New(ncfg), layers.LinkTypeRaw, nil

	case BackendPcap, "live":
		iface := cfg.Interface
		if iface == "" {
			dev, err := capture.DefaultDevice()
			if err != nil {
				return nil, 0, fmt.Errorf("no interface given: %w", err)
			}
			logger.Info("Using default route interface", "interface", dev)
			iface = dev
		}
		lcfg := live.DefaultConfig()
		lcfg.Interface = iface
		lcfg.InjectInterface = cfg.InjectInterface
		lcfg.Promiscuous = cfg.Promiscuous
		if cfg.PcapTimeout > 0 {
			lcfg.Timeout = cfg.PcapTimeout
		}
		if cfg.PcapBufferSize != "" {
			size, err := cmdutil.ParseSizeString(cfg.PcapBufferSize)
			if err != nil {
				return nil, 0, fmt.Errorf("invalid pcap buffer size: %w", err)
			}
			lcfg.BufferSize = int(size)
		}
		return live.New(lcfg), layers.LinkTypeEthernet, nil

	default:
		return nil, 0, fmt.Errorf("unknown backend %q (use %s or %s)", cfg.Name, BackendNFQueue, BackendPcap)
	}
}
