package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd is the base command when epstored is called without a subcommand.
var RootCmd = &cobra.Command{
	Use:   "epstored",
	Short: "eventually-persistent vbucket store",
	Long: `epstored serves an eventually-persistent, vbucket-partitioned
key-value store on top of a pluggable persistent backend.

Configuration merges in this order: command line flags override
environment variables (EPSTORE_<flag>) override a config file
override built-in defaults.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().String("config", "", "path to a JSON config file")
	RootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error, fatal")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(configCmd)
}

func initConfig() {
	viper.SetEnvPrefix("epstore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Execute runs the root command. Called once from main.main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
