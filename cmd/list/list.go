package list

import (
	"github.com/spf13/cobra"
)

// ListCmd is the base list command for listing resources.
var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	Long: `List resources lagswitch can use.

Subcommands:
  interfaces  - List network interfaces usable by the pcap backend

Examples:
  lagswitch list interfaces         # List available network interfaces
  lagswitch list interfaces --json  # Same, machine readable`,
	// No Run function - requires a subcommand
}

func init() {
	// Add subcommands
	ListCmd.AddCommand(interfacesCmd)
}
