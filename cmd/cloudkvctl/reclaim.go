package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Run one BackgroundWorker reclamation cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		s.bgw.SetManualRunMode(true)
		s.bgw.Start()
		s.bgw.StartBackgroundWorker()

		fmt.Println("reclamation cycle requested")
		return nil
	},
}
