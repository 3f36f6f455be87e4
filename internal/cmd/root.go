package cmd

import (
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	handlers.SetVersionInfo(version, commit, buildDate)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Admission and inventory control for flash sales",
	Long: `flashgate protects a flash sale from the crowd.

It rate limits callers by user, IP, service and endpoint, paces them through
a FIFO waiting room, and holds inventory for admitted buyers until their
order is committed or the reservation expires.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting telemetry before serve sets it up.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	defaultPath := config.DefaultConfigPath()
	if defaultPath == "" {
		defaultPath = "./config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+defaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig pins the config file and starts the CLI logger. The config
// itself is loaded by each command so reloads see fresh values.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
}
