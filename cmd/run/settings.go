package run

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/cmdutil"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings is the run configuration after flag and config precedence.
type settings struct {
	Spec        intercept.FilterSpec
	LatencyMs   int
	StartActive bool

	Backend backendConfig

	RecordFile     string
	MetricsEnabled bool
	MetricsPort    int
	ToggleKey      string
	JSON           bool
}

func (s settings) latency() time.Duration {
	return time.Duration(s.LatencyMs) * time.Millisecond
}

// resolveSettings merges the command line flags over the configuration.
func resolveSettings(cmd *cobra.Command) settings {
	flags := cmd.Flags()
	changed := flags.Changed

	return settings{
		Spec: intercept.FilterSpec{
			LocalPort:  cmdutil.GetIntConfig("port", port, changed("port")),
			RemoteAddr: cmdutil.GetStringConfig("remote_addr", remoteAddr),
			Protocol:   cmdutil.GetStringConfig("protocol", protocol),
		},
		LatencyMs:   cmdutil.GetIntConfig("latency_ms", latencyMs, changed("latency")),
		StartActive: cmdutil.GetBoolConfig("start_active", startActive, changed("start-active")),
		Backend: backendConfig{
			Name:            cmdutil.GetStringConfig("backend", backend),
			QueueNum:        cmdutil.GetIntConfig("queue_num", queueNum, changed("queue-num")),
			MaxQueueLen:     viper.GetInt("nfqueue.max_queue_len"),
			InstallRules:    cmdutil.GetBoolConfig("nfqueue.install_rules", installRules, changed("install-rules")),
			DryRun:          cmdutil.GetBoolConfig("nfqueue.dry_run", dryRun, changed("dry-run")),
			Interface:       cmdutil.GetStringConfig("interface", iface),
			InjectInterface: cmdutil.GetStringConfig("inject_interface", injectIface),
			PcapTimeout:     time.Duration(viper.GetInt("pcap_timeout_ms")) * time.Millisecond,
			PcapBufferSize:  viper.GetString("pcap_buffer_size"),
			Promiscuous:     cmdutil.GetBoolConfig("promiscuous", promiscuous, changed("promisc")),
		},
		RecordFile:     cmdutil.GetStringConfig("record_file", recordFile),
		MetricsEnabled: cmdutil.GetBoolConfig("metrics.enabled", metricsEnabled, changed("metrics")),
		MetricsPort:    cmdutil.GetIntConfig("metrics.port", metricsPort, changed("metrics-port")),
		ToggleKey:      cmdutil.GetStringConfig("toggle_key", toggleKey),
		JSON:           jsonOutput,
	}
}

// promptMissing asks for the port and the latency when they were not
// configured. Without an interactive input it fails instead.
func promptMissing(s *settings, in io.Reader, out io.Writer, interactive bool) error {
	needPort := s.Spec.LocalPort == 0 && s.Spec.RemoteAddr == ""
	needLatency := s.LatencyMs <= 0
	if !needPort && !needLatency {
		return nil
	}
	if !interactive {
		switch {
		case needPort:
			return errors.New("a port (--port) or a remote address (--remote) is required")
		default:
			return errors.New("a latency greater than 0 (--latency) is required")
		}
	}

	r := bufio.NewReader(in)
	if needPort {
		p, err := cmdutil.PromptPositive(r, out, "Please enter the port the application uses to send network packets: ")
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		s.Spec.LocalPort = p
	}
	if needLatency {
		l, err := cmdutil.PromptPositive(r, out, "Please enter the desired latency (ms): ")
		if err != nil {
			return fmt.Errorf("latency: %w", err)
		}
		s.LatencyMs = l
	}
	return nil
}
