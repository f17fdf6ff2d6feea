package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"relaybox/internal/api"
	"relaybox/internal/config"
)

const (
	stdoutTarget  = "-"
	fallbackName  = "download"
	partialSuffix = ".relaybox-partial"
)

func newDownloadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <code>",
		Short: "Download a file by retrieval code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := strings.ToUpper(strings.TrimSpace(args[0]))
			return withClient(cfg, func(client *api.Client) error {
				if output == stdoutTarget {
					_, err := client.Download(cmd.Context(), code, os.Stdout)
					return err
				}

				dir, name := splitOutput(output)
				tmp, err := os.CreateTemp(dir, "."+code+"-*"+partialSuffix)
				if err != nil {
					return err
				}
				defer os.Remove(tmp.Name())

				result, err := client.Download(cmd.Context(), code, tmp)
				if closeErr := tmp.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}

				if name == "" {
					name = safeFileName(result.FileName)
				}
				target := filepath.Join(dir, name)
				if err := os.Rename(tmp.Name(), target); err != nil {
					return fmt.Errorf("save %s: %w", target, err)
				}

				if *jsonOutput {
					return writeJSON(map[string]any{
						"unique_code": code,
						"path":        target,
						"file_size":   result.Size,
					})
				}
				return writePlain("saved %s (%s)\n", target, humanize.IBytes(uint64(result.Size)))
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory (- for stdout; default: server file name in the current directory)")
	return cmd
}

// splitOutput resolves -o into a target directory and an optional fixed name.
func splitOutput(output string) (string, string) {
	if output == "" {
		return ".", ""
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return output, ""
	}
	return filepath.Dir(output), filepath.Base(output)
}

// safeFileName keeps only the base of a server supplied name.
func safeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return fallbackName
	}
	return name
}
