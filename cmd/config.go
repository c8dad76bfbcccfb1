package cmd

import (
	"fmt"

	"github.com/endorses/lagswitch/internal/pkg/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display the effective configuration",
	Long: `Show the configuration lagswitch would run with: defaults, overridden by
the config file, overridden by LAGSWITCH_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return showConfig(cmd, jsonOutput)
	},
}

func init() {
	configCmd.Flags().Bool("json", false, "Output in JSON format")
}

func showConfig(cmd *cobra.Command, jsonOutput bool) error {
	settings := viper.AllSettings()
	out := cmd.OutOrStdout()

	if jsonOutput {
		return output.WriteJSON(out, settings, output.IsTTY())
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	}
	_, err = out.Write(data)
	return err
}
