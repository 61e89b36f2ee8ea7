package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CURIE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Inference InferenceConfig `mapstructure:"inference"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Bundle    BundleConfig    `mapstructure:"bundle"`
	Encoding  EncodingConfig  `mapstructure:"encoding"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Cache     CacheConfig     `mapstructure:"cache"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ModelConfig struct {
	Path              string `mapstructure:"path"`
	MetadataPath      string `mapstructure:"metadata_path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
}

// InferenceConfig bounds how long a request waits for the model session.
// The model run itself is not interruptible.
type InferenceConfig struct {
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

type UploadConfig struct {
	MaxSize   int64 `mapstructure:"max_size"`
	// MaxPixels caps width*height of a decoded upload.
	MaxPixels int64 `mapstructure:"max_pixels"`
}

type BundleConfig struct {
	WorkDir string `mapstructure:"work_dir"`
}

type EncodingConfig struct {
	JPEGQuality int `mapstructure:"jpeg_quality"`
}

type DebugConfig struct {
	SaveRequests bool   `mapstructure:"save_requests"`
	Dir          string `mapstructure:"dir"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type CORSConfig struct {
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	AllowMethods     []string      `mapstructure:"allow_methods"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// Load reads configPath if it exists, then applies CURIE_* environment
// overrides on top of the defaults. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// a bare port such as "8080" listens on all interfaces
	if cfg.Server.Addr != "" && !strings.Contains(cfg.Server.Addr, ":") {
		cfg.Server.Addr = ":" + cfg.Server.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode)
	}
	if _, port, err := net.SplitHostPort(c.Server.Addr); err != nil || port == "" {
		return fmt.Errorf("server.addr must be host:port, got %q", c.Server.Addr)
	}
	if c.Upload.MaxPixels <= 0 {
		return fmt.Errorf("upload.max_pixels must be positive, got %d", c.Upload.MaxPixels)
	}
	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.max_size must be positive, got %d", c.Upload.MaxSize)
	}
	if c.Encoding.JPEGQuality < 1 || c.Encoding.JPEGQuality > 100 {
		return fmt.Errorf("encoding.jpeg_quality must be in [1, 100], got %d", c.Encoding.JPEGQuality)
	}
	if c.Inference.QueueTimeout <= 0 {
		return fmt.Errorf("inference.queue_timeout must be positive, got %s", c.Inference.QueueTimeout)
	}
	if c.Debug.SaveRequests && c.Debug.Dir == "" {
		return errors.New("debug.dir is required when debug.save_requests is enabled")
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return errors.New("model.path and model.metadata_path are required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("model.path", "./models/curie.onnx")
	v.SetDefault("model.metadata_path", "./models/curie_metadata.json")
	v.SetDefault("model.shared_library_path", "")

	v.SetDefault("inference.queue_timeout", 2*time.Minute)

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.max_pixels", 64*1024*1024)

	v.SetDefault("bundle.work_dir", "")

	v.SetDefault("encoding.jpeg_quality", 95)

	v.SetDefault("debug.save_requests", false)
	v.SetDefault("debug.dir", "./debug")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("cors.allow_origins", []string{"*"})
	v.SetDefault("cors.allow_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allow_headers", []string{"Content-Type", "X-Request-ID"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 12*time.Hour)
}
