package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "SKYCOUNT"

type ConfigLoader struct {
	logger *zap.Logger
	v      *viper.Viper
}

func NewConfigLoader(logger *zap.Logger) *ConfigLoader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &ConfigLoader{
		logger: logger,
		v:      v,
	}
}

// Load reads the YAML file at filePath, applies SKYCOUNT_* environment
// overrides and validates the result. An empty path or a missing file
// falls back to defaults plus environment.
func (cl *ConfigLoader) Load(filePath string) (*Config, error) {
	if filePath != "" {
		cl.v.SetConfigFile(filePath)
		if err := cl.v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(filePath); !os.IsNotExist(statErr) {
				cl.logger.Error("Failed to read config file", zap.String("file", filePath), zap.Error(err))
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			cl.logger.Warn("Config file not found, using defaults", zap.String("file", filePath))
		}
	}

	var cfg Config
	if err := cl.v.Unmarshal(&cfg); err != nil {
		cl.logger.Error("Failed to unmarshal config", zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cl.validate(&cfg); err != nil {
		cl.logger.Error("Config validation failed", zap.Error(err))
		return nil, err
	}

	cl.logger.Info("Config loaded successfully", zap.String("file", filePath))
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_upload_mb", 1024)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_sec", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "skycount.db")

	v.SetDefault("pipeline.ff_mpeg_path", "ffmpeg")
	v.SetDefault("pipeline.ff_probe_path", "ffprobe")
	v.SetDefault("pipeline.temp_dir", "")
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_interval_sec", 1.0)
	v.SetDefault("pipeline.retry.backoff_coefficient", 2.0)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.bucket", "skycount")
	v.SetDefault("storage.archive", false)
	v.SetDefault("storage.local.base_path", "./outputs")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")

	v.SetDefault("annotator.backend", "subprocess")
	v.SetDefault("annotator.model_path", "visdrone_yolov11_model1.pt")

	v.SetDefault("session.cache_key", "content")
	v.SetDefault("session.ttl_minutes", 60)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "skycount-counting")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "skycount")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "console")
	v.SetDefault("logging.file_path", "")
}

func (cl *ConfigLoader) validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite", "postgres":
		cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	default:
		return fmt.Errorf("invalid database driver: %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn required")
	}

	if cfg.Pipeline.FFMpegPath == "" {
		cfg.Pipeline.FFMpegPath = "ffmpeg" // Default to the one that's in PATH
	}
	if cfg.Pipeline.FFProbePath == "" {
		cfg.Pipeline.FFProbePath = "ffprobe"
	}
	if cfg.Pipeline.TempDir == "" {
		cfg.Pipeline.TempDir = os.TempDir()
	}

	if cfg.Pipeline.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be non-negative")
	}
	if cfg.Pipeline.Retry.MaxAttempts == 0 {
		cfg.Pipeline.Retry.MaxAttempts = 3
	}
	if cfg.Pipeline.Retry.InitialIntervalSec <= 0 {
		cfg.Pipeline.Retry.InitialIntervalSec = 1.0
	}
	if cfg.Pipeline.Retry.BackoffCoefficient <= 1 {
		cfg.Pipeline.Retry.BackoffCoefficient = 2.0
	}

	storage := strings.ToLower(cfg.Storage.Type)
	switch storage {
	case "s3":
		if cfg.Storage.Bucket == "" {
			return fmt.Errorf("s3 bucket required")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("s3 region required")
		}
		if (cfg.Storage.S3.AccessKeyID == "") != (cfg.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("s3 access_key_id and secret_access_key must be set together")
		}
	case "local":
		if cfg.Storage.Local.BasePath == "" {
			cfg.Storage.Local.BasePath = "./outputs"
		}
	default:
		return fmt.Errorf("invalid storage backend: %s", storage)
	}
	cfg.Storage.Type = storage

	if cfg.Annotator.Backend == "" {
		return fmt.Errorf("annotator.backend required")
	}
	if cfg.Annotator.Backend == "subprocess" && cfg.Annotator.ModelPath == "" {
		return fmt.Errorf("annotator.model_path required for subprocess backend")
	}

	switch cfg.Session.CacheKey {
	case "":
		cfg.Session.CacheKey = "content"
	case "content", "filename":
	default:
		return fmt.Errorf("invalid session.cache_key: %s", cfg.Session.CacheKey)
	}
	if cfg.Session.TTLMinutes < 0 {
		return fmt.Errorf("session.ttl_minutes must be non-negative")
	}

	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "skycount-counting"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if !isValidLogLevel(cfg.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "console"
	}
	if cfg.Logging.Output == "file" && cfg.Logging.FilePath == "" {
		return fmt.Errorf("file_path required for file logging")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	return slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(level))
}
