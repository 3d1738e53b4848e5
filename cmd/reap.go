package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Mark stale incomplete sessions as abandoned",
	Long:  `Runs one abandonment sweep: every incomplete session started longer ago than sessions.abandon_after is flagged abandoned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := newApp(cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.reaper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Marked %d session(s) abandoned (older than %s).\n", n, cfg.Sessions.AbandonAfter)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
