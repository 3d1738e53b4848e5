package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/fixflow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize fixflow configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to configure fixflow and writes the config file (default .fixflow.yml).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
