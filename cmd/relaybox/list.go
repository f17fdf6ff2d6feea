package main

import (
	"github.com/spf13/cobra"

	"relaybox/internal/api"
	"relaybox/internal/config"
	"relaybox/internal/store"
)

func newListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.ListFiles(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				if resp.Count == 0 {
					return writePlain("no files\n")
				}
				return writeFileList(resp.Files)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "maximum number of files to list")
	return cmd
}
