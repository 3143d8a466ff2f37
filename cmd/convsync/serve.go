package main

import (
	"github.com/spf13/cobra"

	"convsync/cmd/internal/app"
)

func newServeCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed gateway (/ws) with health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.Serve(root.configPath)
		},
	}
}
