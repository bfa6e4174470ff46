package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/tumor-api/internal/config"
	"github.com/Brownie44l1/tumor-api/internal/logging"
)

const serviceName = "tumor-api"

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"port":            "server.port",
	"model":           "model.path",
	"metadata":        "model.metadata_path",
	"onnxruntime-lib": "model.library_path",
	"temp-dir":        "export.temp_dir",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		cfg     config.Config
	)

	root := &cobra.Command{
		Use:   "server",
		Short: "Brain tumor MRI classifier API",
		Long: `Serves a brain tumor MRI classifier over HTTP.

Images uploaded to /predict are scored against the loaded ONNX model and
returned with per-class confidences and a bar chart. /predict-csv returns
the same results as a downloadable table.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cfgFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Init(serviceName, cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml if present)")
	flags.String("port", "", "HTTP listen port (env TUMOR_SERVER_PORT or PORT)")
	flags.String("model", "", "path to the ONNX model")
	flags.String("metadata", "", "path to the model metadata JSON")
	flags.String("onnxruntime-lib", "", "path to the onnxruntime shared library")
	flags.String("temp-dir", "", "directory for export files")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")

	root.AddCommand(newServeCmd(&cfg))
	root.AddCommand(newPredictCmd(&cfg))
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
