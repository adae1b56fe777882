package main

import (
	"fmt"
	"log/slog"

	"stream-registry/internal/poller"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every configured backend once and print the live streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()
		log := s.logger()

		pollers, err := buildPollers(s, log)
		if err != nil {
			return err
		}

		c := poller.NewScheduler(pollers, nil, log, s.pollInterval, s.pollTimeout).Collect(cmd.Context())
		out := cmd.OutOrStdout()
		for _, id := range c.Streams {
			fmt.Fprintf(out, "%s\t%s\n", id.Source, id.Key)
		}
		for _, fe := range c.Failed {
			log.Warn("backend unavailable", slog.String("backend", fe.Backend), slog.String("error", fe.Error()))
		}
		if len(pollers) > 0 && len(c.Failed) == len(pollers) {
			return fmt.Errorf("all %d backends failed", len(pollers))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
