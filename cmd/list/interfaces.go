package list

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/endorses/lagswitch/internal/pkg/capture"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/output"
	"github.com/spf13/cobra"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List network interfaces usable by the pcap backend",
	Long:  `List the network interfaces lagswitch can capture on and inject into. Requires appropriate permissions.`,
	RunE:  runInterfaces,
}

var jsonOutput bool

func init() {
	interfacesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Check if running with appropriate privileges
	if os.Geteuid() != 0 && !jsonOutput {
		fmt.Fprintln(out, "Warning: Running without root privileges. Some interfaces may not be accessible.")
		fmt.Fprintln(out, "Consider running with 'sudo' for full interface access.")
		fmt.Fprintln(out)
	}

	interfaces, err := capture.ListInterfaces()
	if err != nil {
		logger.Error("Error accessing network interfaces", "error", err)
		return fmt.Errorf("unable to list network interfaces, this may be due to insufficient permissions: %w", err)
	}

	if jsonOutput {
		return output.WriteJSON(out, interfaces, output.IsTTY())
	}
	printInterfaces(out, interfaces)
	return nil
}

func printInterfaces(w io.Writer, interfaces []capture.InterfaceInfo) {
	fmt.Fprintln(w, "Network interfaces usable by the pcap backend:")
	if len(interfaces) == 0 {
		fmt.Fprintln(w, "  No suitable interfaces found.")
		return
	}

	for _, info := range interfaces {
		line := "  " + info.Name
		if info.Description != "" {
			line += " - " + info.Description
		}
		if info.Default {
			line += " (default route)"
		}
		fmt.Fprintln(w, line)
		if len(info.Addresses) > 0 {
			fmt.Fprintf(w, "      %s\n", strings.Join(info.Addresses, ", "))
		}
	}
}
