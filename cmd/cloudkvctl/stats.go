package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print get_stats, meminfo, and scrub_stats for a stopped engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.engine.GetStats(context.Background())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"stats":       st,
			"meminfo":     s.engine.Meminfo(),
			"scrub_stats": s.engine.ScrubStats(),
		})
	},
}
