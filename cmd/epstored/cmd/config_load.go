package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skipor/epcore/config"
	"github.com/skipor/epcore/log"
)

// loadConfig reads the on-disk config file named by --config, if any,
// then overlays flag/env values bound to cmd's flag set, following the
// same default-then-override merge config.Merge already implements.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := config.Default()

	if path := viper.GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		fileCfg := &config.Config{}
		if err := json.Unmarshal(data, fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		config.Merge(cfg, fileCfg)
	}

	flagCfg := &config.Config{
		MaxVBuckets:  viper.GetInt("max-vbuckets"),
		MaxSize:      viper.GetInt64("max-size"),
		BGFetchDelay: viper.GetDuration("bg-fetch-delay"),
		DBPath:       viper.GetString("db-path"),
		LogLevel:     viper.GetString("log-level"),
	}
	config.Merge(cfg, flagCfg)

	return cfg, nil
}

func logLevel(cfg *config.Config) (log.Level, error) {
	return log.LevelFromString(cfg.LogLevel)
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-vbuckets", 0, "number of vbuckets (default 1024)")
	cmd.Flags().Int64("max-size", 0, "byte ceiling before pagers engage (default 100m)")
	cmd.Flags().Duration("bg-fetch-delay", 0, "artificial delay before a background fetch runs")
	cmd.Flags().String("db-path", "", "path to the bbolt data file (default epcore.db)")
}
