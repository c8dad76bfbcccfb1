package cmd

import (
	"fmt"
	"os"

	"github.com/endorses/lagswitch/cmd/list"
	"github.com/endorses/lagswitch/cmd/replay"
	"github.com/endorses/lagswitch/cmd/run"
	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lagswitch",
	Short: "lagswitch delays your outbound packets",
	Long: fmt.Sprintf(`lagswitch %s - holds the outbound packets of one flow for a fixed latency
before letting them through, switchable on and off at runtime.`, version.Get().Short()),
	Version:      version.Get().String(),
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommandPalattes() {
	rootCmd.AddCommand(run.RunCmd)
	rootCmd.AddCommand(replay.ReplayCmd)
	rootCmd.AddCommand(list.ListCmd)
	rootCmd.AddCommand(configCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Initialize structured logging
	logger.Initialize()

	addSubCommandPalattes()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lagswitch/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Priority order for config files:
		// 1. ~/.config/lagswitch/config.yaml
		// 2. ~/.config/lagswitch.yaml
		// 3. ~/.lagswitch.yaml
		viper.AddConfigPath(home + "/.config/lagswitch")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err != nil {
			viper.AddConfigPath(home + "/.config")
			viper.SetConfigName("lagswitch")
			if err := viper.ReadInConfig(); err != nil {
				viper.AddConfigPath(home)
				viper.SetConfigName(".lagswitch")
			}
		}
	}

	viper.SetEnvPrefix("LAGSWITCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if level, format := viper.GetString("log_level"), viper.GetString("log_format"); level != "" || format != "" {
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		logger.Configure(logger.Options{Level: level, Format: format})
	}
}

// setDefaults registers a default for every configuration key so that
// AutomaticEnv and the config dump see the whole key set.
func setDefaults() {
	viper.SetDefault("backend", run.BackendNFQueue)
	viper.SetDefault("port", 0)
	viper.SetDefault("remote_addr", "")
	viper.SetDefault("protocol", "")
	viper.SetDefault("latency_ms", 0)
	viper.SetDefault("start_active", false)

	viper.SetDefault("queue_num", constants.DefaultQueueNum)
	viper.SetDefault("nfqueue.max_queue_len", constants.DefaultNFQueueMaxLen)
	viper.SetDefault("nfqueue.install_rules", true)
	viper.SetDefault("nfqueue.dry_run", false)

	viper.SetDefault("interface", "")
	viper.SetDefault("inject_interface", "")
	viper.SetDefault("pcap_timeout_ms", int(constants.DefaultPcapTimeout.Milliseconds()))
	viper.SetDefault("pcap_buffer_size", "16M")
	viper.SetDefault("promiscuous", false)

	viper.SetDefault("record_file", "")
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.port", constants.DefaultMetricsPort)
	viper.SetDefault("toggle_key", "")
	viper.SetDefault("log_level", "")
	viper.SetDefault("log_format", "")
}
