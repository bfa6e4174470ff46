package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TUMOR_MODEL_PATH.
const EnvPrefix = "TUMOR"

// Config holds all service configuration.
type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Export  ExportConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ModelConfig points at the model artifacts.
type ModelConfig struct {
	Path         string
	MetadataPath string
	LibraryPath  string // onnxruntime shared library; empty uses the default lookup
}

// ExportConfig holds tabular export settings.
type ExportConfig struct {
	TempDir string
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// SetDefaults registers every key with its default so env vars and flags can
// override any of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.max_upload_bytes", int64(32<<20))
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("model.path", filepath.Join("models", "brain_tumor_class.onnx"))
	v.SetDefault("model.metadata_path", filepath.Join("models", "model_metadata.json"))
	v.SetDefault("model.library_path", "")

	v.SetDefault("export.temp_dir", filepath.Join(os.TempDir(), "tumor-api"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile may be empty, in which case ./config.yaml is read if present.
// The port also falls back to the conventional PORT variable.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			MaxUploadBytes: v.GetInt64("server.max_upload_bytes"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
		},
		Model: ModelConfig{
			Path:         v.GetString("model.path"),
			MetadataPath: v.GetString("model.metadata_path"),
			LibraryPath:  v.GetString("model.library_path"),
		},
		Export: ExportConfig{
			TempDir: v.GetString("export.temp_dir"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return fmt.Errorf("model.path and model.metadata_path are required")
	}
	return nil
}
