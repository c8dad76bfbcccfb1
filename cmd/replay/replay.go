package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/cmdutil"
	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/delayer"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/intercept/offline"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/output"
	"github.com/endorses/lagswitch/internal/pkg/session"
	"github.com/endorses/lagswitch/internal/pkg/signals"
	"github.com/spf13/cobra"
)

var ReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a capture file through the delay engine",
	Long: `Read the packets of a pcap file, hold those matching the flow for the
configured latency and write them to an output pcap stamped with their
release time. Packets outside the flow are not copied.

Useful to check what a given latency does to a recorded session without
touching the network.

Examples:
  lagswitch replay -f game.pcap -o delayed.pcap -p 27015 -l 200
  lagswitch replay -f game.pcap -o delayed.pcap -r 203.0.113.7 -l 100 --pace`,
	RunE: runReplay,
}

var (
	inputFile  string
	outputFile string
	port       int
	remoteAddr string
	protocol   string
	latencyMs  int
	pace       bool
	jsonOutput bool
)

func init() {
	ReplayCmd.Flags().StringVarP(&inputFile, "read-file", "f", "", "pcap file to replay")
	ReplayCmd.Flags().StringVarP(&outputFile, "output", "o", "", "pcap file receiving the released packets")
	ReplayCmd.Flags().IntVarP(&port, "port", "p", 0, "local port of the flow")
	ReplayCmd.Flags().StringVarP(&remoteAddr, "remote", "r", "", "remote address of the flow")
	ReplayCmd.Flags().StringVar(&protocol, "protocol", "", "restrict the flow to tcp or udp")
	ReplayCmd.Flags().IntVarP(&latencyMs, "latency", "l", 0, "latency to add, in milliseconds")
	ReplayCmd.Flags().BoolVar(&pace, "pace", false, "follow the file's packet timing instead of reading at full speed")
	ReplayCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the final statistics as JSON")

	_ = ReplayCmd.MarkFlagRequired("read-file")
}

func runReplay(cmd *cobra.Command, args []string) error {
	spec := intercept.FilterSpec{
		LocalPort:  cmdutil.GetIntConfig("port", port, cmd.Flags().Changed("port")),
		RemoteAddr: cmdutil.GetStringConfig("remote_addr", remoteAddr),
		Protocol:   cmdutil.GetStringConfig("protocol", protocol),
	}
	latency := cmdutil.GetIntConfig("latency_ms", latencyMs, cmd.Flags().Changed("latency"))
	if latency <= 0 {
		return errors.New("a latency greater than 0 (--latency) is required")
	}

	source := offline.New(&offline.Config{
		InputFile:  inputFile,
		OutputFile: outputFile,
		Pace:       pace,
	})

	sess, err := session.New(source, session.Options{
		Spec:    spec,
		Latency: time.Duration(latency) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	if err := sess.Engine.Activate(); err != nil {
		_ = sess.Close()
		return fmt.Errorf("failed to activate: %w", err)
	}

	if err := waitDrained(ctx, sess.Engine, constants.ReplayPollInterval); err != nil {
		logger.Info("Replay interrupted", "reason", err)
	}

	closeErr := sess.Close()
	summary := sess.Summary()
	if jsonOutput {
		if err := output.WriteJSON(os.Stdout, summary, output.IsTTY()); err != nil {
			return err
		}
	} else {
		fmt.Printf("Replayed %s: received %d, sent %d, dropped %d packets.\n",
			inputFile, summary.Counters.Received, summary.Counters.Sent, summary.Counters.Dropped)
		if outputFile != "" {
			fmt.Printf("Released packets written to %s.\n", outputFile)
		}
	}
	return closeErr
}

// statsSource is the engine view waitDrained polls.
type statsSource interface {
	Stats() delayer.Snapshot
}

// waitDrained returns once the receiver has reached the end of the file and
// every buffered packet has been released, or when the engine degrades.
func waitDrained(ctx context.Context, eng statsSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap := eng.Stats()
		if snap.Health.Degraded {
			return fmt.Errorf("%s failed: %s", snap.Health.Component, snap.Health.Reason)
		}
		if !snap.Receiving && snap.Counters.Buffered == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
