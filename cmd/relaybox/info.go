package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"relaybox/internal/api"
	"relaybox/internal/config"
)

func newInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show server and manifest store info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GetInfo(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}

				_ = writePlain("backend: %s\n", resp.Backend)
				_ = writePlain("schema_version: %d\n", resp.SchemaVersion)
				_ = writePlain("channel: %s\n", resp.ChannelKind)
				_ = writePlain("part_size: %s\n", humanize.IBytes(uint64(resp.PartSize)))
				_ = writePlain("total_files: %d\n", resp.TotalFiles)
				_ = writePlain("total_parts: %d\n", resp.TotalParts)
				_ = writePlain("total_bytes: %s\n", humanize.IBytes(uint64(resp.TotalBytes)))
				_ = writePlain("total_downloads: %d\n", resp.TotalDownloads)
				return nil
			})
		},
	}
}
