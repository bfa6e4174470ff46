package main

import (
	"fmt"
	"log/slog"

	"github.com/Brownie44l1/tumor-api/internal/config"
	"github.com/Brownie44l1/tumor-api/internal/export"
	"github.com/Brownie44l1/tumor-api/internal/inference"
	"github.com/Brownie44l1/tumor-api/internal/metrics"
	"github.com/Brownie44l1/tumor-api/internal/model"
)

// app holds the components shared by serve and predict. The model is
// loaded once here and handed to the service by reference.
type app struct {
	model   *model.Server
	metrics *metrics.Metrics
	service *inference.Service
	temp    *export.TempFiles
}

func newApp(cfg config.Config, withMetrics bool) (*app, error) {
	slog.Info("model_loading", "path", cfg.Model.Path, "metadata", cfg.Model.MetadataPath)

	srv, err := model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.LibraryPath)
	if err != nil {
		slog.Error("model_load_failed", "path", cfg.Model.Path, "error", err)
		return nil, fmt.Errorf("failed to initialize model server: %w", err)
	}

	slog.Info("model_loaded",
		"path", cfg.Model.Path,
		"classes", srv.Classes(),
		"image_size", srv.Metadata.ImageSize,
		"layout", srv.Metadata.Layout,
	)

	a := &app{
		model: srv,
		temp:  export.NewTempFiles(cfg.Export.TempDir),
	}

	opts := []inference.Option{inference.WithLogger(slog.Default())}
	if withMetrics {
		a.metrics = metrics.New(serviceName)
		opts = append(opts, inference.WithObserver(a.metrics))
	}
	a.service = inference.NewService(srv, srv.Classes(), srv.Metadata.PreprocessOptions(), opts...)
	return a, nil
}

func (a *app) Close() {
	if a.model != nil {
		a.model.Close()
	}
}
