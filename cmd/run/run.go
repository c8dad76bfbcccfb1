package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/output"
	"github.com/endorses/lagswitch/internal/pkg/session"
	"github.com/endorses/lagswitch/internal/pkg/signals"
	"github.com/endorses/lagswitch/internal/pkg/toggle"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Delay the outbound packets of one flow",
	Long: `Hold every outbound packet of the selected flow for the configured latency
before re-injecting it, in original order.

The flow is selected by the local port the application sends from and/or the
remote address it sends to. The delay starts switched off; press space (or t)
to toggle it, q to quit. SIGUSR1 toggles as well. Missing port and latency
are prompted for when stdin is a terminal.

Backends:
  nfqueue  Linux netfilter queue. lagswitch installs an iptables OUTPUT rule
           steering the flow into the queue and releases packets with an
           accept verdict (default).
  pcap     Capture on one interface and inject on another, for a host that
           bridges the traffic.

Examples:
  lagswitch run --port 27015 --latency 200
  lagswitch run -p 3074 -l 500 --protocol udp --start-active
  lagswitch run --backend pcap -i eth1 --inject-interface eth0 -r 203.0.113.7 -l 150
  lagswitch run -p 27015 -l 200 --dry-run --record released.pcap`,
	RunE: runDelay,
}

var (
	port        int
	remoteAddr  string
	protocol    string
	latencyMs   int
	startActive bool

	backend      string
	queueNum     int
	installRules bool
	dryRun       bool

	iface       string
	injectIface string
	promiscuous bool

	recordFile     string
	metricsEnabled bool
	metricsPort    int
	toggleKey      string
	jsonOutput     bool
)

func init() {
	RunCmd.Flags().IntVarP(&port, "port", "p", 0, "local port the application sends from")
	RunCmd.Flags().StringVarP(&remoteAddr, "remote", "r", "", "remote address the application sends to")
	RunCmd.Flags().StringVar(&protocol, "protocol", "", "restrict the flow to tcp or udp (default: both)")
	RunCmd.Flags().IntVarP(&latencyMs, "latency", "l", 0, "latency to add, in milliseconds")
	RunCmd.Flags().BoolVar(&startActive, "start-active", false, "switch the delay on at start")

	RunCmd.Flags().StringVarP(&backend, "backend", "b", BackendNFQueue, "interception backend (nfqueue, pcap)")
	RunCmd.Flags().IntVar(&queueNum, "queue-num", constants.DefaultQueueNum, "NFQUEUE number")
	RunCmd.Flags().BoolVar(&installRules, "install-rules", true, "install and remove the iptables rules")
	RunCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the iptables commands instead of running them")

	RunCmd.Flags().StringVarP(&iface, "interface", "i", "", "capture interface for the pcap backend (default: default route)")
	RunCmd.Flags().StringVar(&injectIface, "inject-interface", "", "injection interface for the pcap backend (default: capture interface)")
	RunCmd.Flags().BoolVar(&promiscuous, "promisc", false, "capture in promiscuous mode")

	RunCmd.Flags().StringVarP(&recordFile, "record", "w", "", "write released packets to a pcap file")
	RunCmd.Flags().BoolVar(&metricsEnabled, "metrics", false, "serve Prometheus metrics")
	RunCmd.Flags().IntVar(&metricsPort, "metrics-port", constants.DefaultMetricsPort, "Prometheus metrics port")
	RunCmd.Flags().StringVar(&toggleKey, "toggle-key", "", "extra key that toggles the delay")
	RunCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the final statistics as JSON")
}

func runDelay(cmd *cobra.Command, args []string) error {
	s := resolveSettings(cmd)

	stdinTTY := toggle.IsTerminal(os.Stdin)
	if err := promptMissing(&s, os.Stdin, os.Stderr, stdinTTY); err != nil {
		return err
	}

	source, linkType, err := newSource(s.Backend)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	// Raw mode turns Ctrl-C into a key press, so the keyboard reader
	// handles quitting from here on.
	var status io.Writer = os.Stderr
	if stdinTTY {
		restore, err := toggle.MakeRaw(os.Stdin)
		if err != nil {
			logger.Warn("Keyboard toggle unavailable", "error", err)
		} else {
			defer func() { _ = restore() }()
			logger.Configure(logger.Options{
				Level:  viper.GetString("log_level"),
				Format: viper.GetString("log_format"),
				Output: crlfWriter{w: os.Stdout},
			})
		}
	}

	sess, err := session.New(source, session.Options{
		Spec:           s.Spec,
		Latency:        s.latency(),
		RecordFile:     s.RecordFile,
		RecordLinkType: linkType,
		MetricsEnabled: s.MetricsEnabled,
		MetricsPort:    s.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if s.StartActive {
		if err := sess.Engine.Activate(); err != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to activate: %w", err)
		}
	}

	actions := make(chan toggle.Action, constants.ToggleChannelBuffer)
	requestToggle := func() {
		select {
		case actions <- toggle.Toggle:
		default:
		}
	}
	stopToggle := signals.NotifyToggle(ctx, requestToggle)
	defer stopToggle()

	if stdinTTY {
		kb := toggle.NewKeyboard(s.ToggleKey)
		go func() {
			if err := kb.Run(ctx, os.Stdin, actions); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Keyboard reader stopped", "error", err)
			}
		}()
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(newLatencyReloader(sess.Engine, s.LatencyMs).OnConfigChange)
		viper.WatchConfig()
	}

	printStatus(status, sess.Engine)
	fmt.Fprint(status, "Press space to toggle, q to quit.\r\n")

	controlLoop(ctx, sess.Engine, actions, cancel, status)

	fmt.Fprint(status, "The application is closing...\r\n")
	closeErr := sess.Close()
	if closeErr != nil {
		logger.Error("Error while closing", "error", closeErr)
	}

	summary := sess.Summary()
	if s.JSON {
		if err := output.WriteJSON(os.Stdout, summary, output.IsTTY()); err != nil {
			return err
		}
	} else {
		printSummary(status, summary)
	}
	return closeErr
}

func printSummary(w io.Writer, sum session.Summary) {
	fmt.Fprintf(w, "Received %d, sent %d, dropped %d packets over %s.\r\n",
		sum.Counters.Received, sum.Counters.Sent, sum.Counters.Dropped, sum.Duration)
	if sum.RecordFile != "" {
		fmt.Fprintf(w, "Recorded %d packets to %s.\r\n", sum.RecordedPackets, sum.RecordFile)
	}
}
