package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skipor/epcore/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Println(string(config.Marshal(cfg)))
		return nil
	},
}

func init() {
	addConfigFlags(configCmd)
}
