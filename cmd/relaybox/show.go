package main

import (
	"github.com/spf13/cobra"

	"relaybox/internal/api"
	"relaybox/internal/config"
)

func newShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <code>",
		Short: "Show the manifest behind a retrieval code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				manifest, err := client.GetManifest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(manifest)
				}
				return writeManifestDetail(manifest)
			})
		},
	}
}
