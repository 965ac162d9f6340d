package types

type ServerConfig struct {
	Addr            string   `mapstructure:"addr" json:"addr"`
	MaxUploadMB     int64    `mapstructure:"max_upload_mb" json:"max_upload_mb"`
	AllowedOrigins  []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec"`
}

type PipelineConfig struct {
	FFMpegPath  string      `mapstructure:"ff_mpeg_path" json:"ff_mpeg_path"`
	FFProbePath string      `mapstructure:"ff_probe_path" json:"ff_probe_path"`
	TempDir     string      `mapstructure:"temp_dir" json:"temp_dir"`
	Retry       RetryConfig `mapstructure:"retry" json:"retry"`
}

type RetryConfig struct {
	MaxAttempts        int32   `mapstructure:"max_attempts" json:"max_attempts"`
	InitialIntervalSec float64 `mapstructure:"initial_interval_sec" json:"initial_interval_sec"`
	BackoffCoefficient float64 `mapstructure:"backoff_coefficient" json:"backoff_coefficient"`
}

type StorageConfig struct {
	Type    string      `mapstructure:"type" json:"type"`
	Bucket  string      `mapstructure:"bucket" json:"bucket"`
	Archive bool        `mapstructure:"archive" json:"archive"`
	Local   LocalConfig `mapstructure:"local" json:"local"`
	S3      S3Config    `mapstructure:"s3" json:"s3"`
}

type LocalConfig struct {
	BasePath string `mapstructure:"base_path" json:"base_path"`
}

type S3Config struct {
	Region          string `mapstructure:"region" json:"region"`
	Endpoint        string `mapstructure:"endpoint" json:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style" json:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key"`
}

// AnnotatorConfig selects the counting backend. Options are decoded by the
// backend itself.
type AnnotatorConfig struct {
	Backend   string                 `mapstructure:"backend" json:"backend"`
	ModelPath string                 `mapstructure:"model_path" json:"model_path"`
	Options   map[string]interface{} `mapstructure:"options" json:"options"`
}

type SessionConfig struct {
	CacheKey   string `mapstructure:"cache_key" json:"cache_key"`
	TTLMinutes int    `mapstructure:"ttl_minutes" json:"ttl_minutes"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port" json:"host_port"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
	TaskQueue string `mapstructure:"task_queue" json:"task_queue"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level" json:"level"`
	Output   string `mapstructure:"output" json:"output"`
	FilePath string `mapstructure:"file_path" json:"file_path"`
}
