package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/tumor-api/internal/config"
	"github.com/Brownie44l1/tumor-api/internal/export"
	"github.com/Brownie44l1/tumor-api/internal/inference"
)

var outputFormats = []string{"csv", "json", "xlsx"}

func newPredictCmd(cfg *config.Config) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "predict [files...]",
		Short: "Classify local image files without starting the server",
		Example: `  server predict scans/*.jpg
  server predict --format json --output results.json a.png b.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if !validFormat(format) {
				return fmt.Errorf("unsupported format %q (want one of %s)", format, strings.Join(outputFormats, ", "))
			}

			a, err := newApp(*cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			uploads := readFiles(args)
			results, err := classifyWithProgress(cmd.Context(), a.service, uploads, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return writeResults(out, format, a.service.Labels(), results)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv, json, xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write results to this file instead of stdout")
	return cmd
}

func validFormat(format string) bool {
	for _, f := range outputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// readFiles loads every path. A file that cannot be read still yields an
// upload so it is reported as a failed image.
func readFiles(paths []string) []inference.Upload {
	uploads := make([]inference.Upload, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		uploads = append(uploads, inference.Upload{
			Filename: filepath.Base(path),
			Data:     data,
			Err:      err,
		})
	}
	return uploads
}

// classifyWithProgress classifies uploads one at a time so the bar can
// advance per image. Result order matches input order.
func classifyWithProgress(ctx context.Context, svc *inference.Service, uploads []inference.Upload, w io.Writer) ([]inference.Result, error) {
	bar := progressbar.NewOptions(len(uploads),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Classifying images"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	results := make([]inference.Result, 0, len(uploads))
	for _, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := svc.Classify(ctx, []inference.Upload{upload}, false)
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return results, nil
}

func writeResults(w io.Writer, format string, labels []string, results []inference.Result) error {
	switch format {
	case "csv":
		return export.WriteCSV(w, labels, results)
	case "xlsx":
		return export.WriteXLSX(w, labels, results)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
