package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"relaybox/internal/api"
	"relaybox/internal/config"
)

func newUploadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print its retrieval code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.Upload(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				if quiet {
					return writePlain("%s\n", resp.UniqueCode)
				}
				return writePlain("%s  %s (%s, %d part(s))\n",
					resp.UniqueCode, resp.FileName, humanize.IBytes(uint64(resp.FileSize)), resp.Parts)
			})
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the retrieval code")
	return cmd
}
