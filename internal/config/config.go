package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Locks      LocksConfig      `yaml:"locks"`
	Verifier   VerifierConfig   `yaml:"verifier"`
	Vision     VisionConfig     `yaml:"vision"`
	Gallery    GalleryConfig    `yaml:"gallery"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Presence   PresenceConfig   `yaml:"presence"`
	Video      VideoConfig      `yaml:"video"`
	Worker     WorkerConfig     `yaml:"worker"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the persistence backends. "memory" keeps everything
// in process and is meant for local runs and tests.
type StorageConfig struct {
	Backend string `yaml:"backend"` // postgres | memory
	Objects string `yaml:"objects"` // minio | memory
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// NATSConfig is optional; an empty URL disables capture intake and the
// presence event stream.
type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LocksConfig controls the per-identity lock table. With RedisURL set the
// locks are shared across instances.
type LocksConfig struct {
	RedisURL   string        `yaml:"redis_url"`
	TTL        time.Duration `yaml:"ttl"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type VerifierConfig struct {
	Backend   string        `yaml:"backend"` // onnx | http
	URL       string        `yaml:"url"`     // http backend only
	Model     string        `yaml:"model"`   // http backend only
	Threshold float64       `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
}

type GalleryConfig struct {
	PhotoCap      int    `yaml:"photo_cap"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type MatcherConfig struct {
	Parallelism int `yaml:"parallelism"`
	PageSize    int `yaml:"page_size"`
}

type EnrollmentConfig struct {
	Recheck bool `yaml:"recheck"`
}

type PresenceConfig struct {
	RecordRetries int           `yaml:"record_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type VideoConfig struct {
	FrameStride int    `yaml:"frame_stride"`
	FrameWidth  int    `yaml:"frame_width"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
}

type WorkerConfig struct {
	Count       int `yaml:"count"`
	MetricsPort int `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	// recheck defaults to on; yaml can only turn it off explicitly
	cfg.Enrollment.Recheck = true

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Storage.Objects {
	case "minio", "memory":
	default:
		return fmt.Errorf("unknown object storage %q", c.Storage.Objects)
	}
	switch c.Verifier.Backend {
	case "onnx":
	case "http":
		if c.Verifier.URL == "" {
			return fmt.Errorf("verifier.url is required for the http verifier")
		}
	default:
		return fmt.Errorf("unknown verifier backend %q", c.Verifier.Backend)
	}
	if c.Gallery.PhotoCap < 1 {
		return fmt.Errorf("gallery.photo_cap must be positive, got %d", c.Gallery.PhotoCap)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 64 << 20
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "postgres"
	}
	if cfg.Storage.Objects == "" {
		cfg.Storage.Objects = "minio"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "faces"
	}
	if cfg.Locks.TTL == 0 {
		cfg.Locks.TTL = 30 * time.Second
	}
	if cfg.Locks.RetryDelay == 0 {
		cfg.Locks.RetryDelay = 25 * time.Millisecond
	}
	if cfg.Verifier.Backend == "" {
		cfg.Verifier.Backend = "onnx"
	}
	if cfg.Verifier.Model == "" {
		cfg.Verifier.Model = "Facenet512"
	}
	if cfg.Verifier.Threshold == 0 {
		cfg.Verifier.Threshold = 0.6
	}
	if cfg.Verifier.Timeout == 0 {
		cfg.Verifier.Timeout = 5 * time.Second
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Gallery.PhotoCap == 0 {
		cfg.Gallery.PhotoCap = 1000
	}
	if cfg.Gallery.PublicBaseURL == "" {
		cfg.Gallery.PublicBaseURL = "http://localhost:9000/faces/"
	}
	if cfg.Matcher.Parallelism == 0 {
		cfg.Matcher.Parallelism = 4
	}
	if cfg.Matcher.PageSize == 0 {
		cfg.Matcher.PageSize = 200
	}
	if cfg.Presence.RecordRetries == 0 {
		cfg.Presence.RecordRetries = 3
	}
	if cfg.Presence.RetryBackoff == 0 {
		cfg.Presence.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Video.FrameStride == 0 {
		cfg.Video.FrameStride = 2
	}
	if cfg.Video.FrameWidth == 0 {
		cfg.Video.FrameWidth = 640
	}
	if cfg.Video.FFmpegPath == "" {
		cfg.Video.FFmpegPath = "ffmpeg"
	}
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 4
	}
	if cfg.Worker.MetricsPort == 0 {
		cfg.Worker.MetricsPort = 8082
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRESENCE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PRESENCE_OBJECT_STORAGE"); v != "" {
		cfg.Storage.Objects = v
	}
	if v := os.Getenv("PRESENCE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PRESENCE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PRESENCE_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PRESENCE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PRESENCE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PRESENCE_REDIS_URL"); v != "" {
		cfg.Locks.RedisURL = v
	}
	if v := os.Getenv("PRESENCE_VERIFIER_BACKEND"); v != "" {
		cfg.Verifier.Backend = v
	}
	if v := os.Getenv("PRESENCE_VERIFIER_URL"); v != "" {
		cfg.Verifier.URL = v
	}
	if v := os.Getenv("PRESENCE_VERIFIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Verifier.Timeout = d
		}
	}
	if v := os.Getenv("PRESENCE_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("PRESENCE_PHOTO_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gallery.PhotoCap = n
		}
	}
	if v := os.Getenv("PRESENCE_PUBLIC_BASE_URL"); v != "" {
		cfg.Gallery.PublicBaseURL = v
	}
	if v := os.Getenv("PRESENCE_MATCHER_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matcher.Parallelism = n
		}
	}
	if v := os.Getenv("PRESENCE_ENROLLMENT_RECHECK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enrollment.Recheck = b
		}
	}
	if v := os.Getenv("PRESENCE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Count = n
		}
	}
	if v := os.Getenv("PRESENCE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
