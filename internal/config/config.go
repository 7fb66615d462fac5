package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process settings
type Config struct {
	Addr        string
	AppEnv      string
	DatabaseURL string
	RedisAddr   string
	JWTSecret   string

	StorageBackend   string
	StorageBaseDir   string
	StorageBaseURL   string
	FilesBucket      string
	SignaturesBucket string
	DownloadURLTTL   time.Duration

	OSSEndpoint        string
	OSSAccessKeyID     string
	OSSAccessKeySecret string

	MaxUploadMB     float64
	UploadRetention time.Duration
	FormCacheSize   int
}

// Development reports whether dev conveniences (console logs, identity
// headers) are on
func (c *Config) Development() bool {
	return c.AppEnv == "development"
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		AppEnv:             getEnv("APP_ENV", "production"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		JWTSecret:          getEnv("JWT_SECRET", "default-secret-key-change-in-production"),
		StorageBackend:     getEnv("STORAGE_BACKEND", "local"),
		StorageBaseDir:     getEnv("STORAGE_BASE_DIR", "./data/objects"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", "http://localhost:8080"),
		FilesBucket:        getEnv("FILES_BUCKET", "form-files"),
		SignaturesBucket:   getEnv("SIGNATURES_BUCKET", "form-signatures"),
		OSSEndpoint:        os.Getenv("OSS_ENDPOINT"),
		OSSAccessKeyID:     os.Getenv("OSS_ACCESS_KEY_ID"),
		OSSAccessKeySecret: os.Getenv("OSS_ACCESS_KEY_SECRET"),
	}

	var err error
	if cfg.DownloadURLTTL, err = getDuration("DOWNLOAD_URL_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.UploadRetention, err = getDuration("UPLOAD_RETENTION", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxUploadMB, err = strconv.ParseFloat(getEnv("MAX_UPLOAD_MB", "10"), 64); err != nil || cfg.MaxUploadMB <= 0 {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_MB %q", os.Getenv("MAX_UPLOAD_MB"))
	}
	if cfg.FormCacheSize, err = strconv.Atoi(getEnv("FORM_CACHE_SIZE", "256")); err != nil || cfg.FormCacheSize <= 0 {
		return nil, fmt.Errorf("invalid FORM_CACHE_SIZE %q", os.Getenv("FORM_CACHE_SIZE"))
	}

	switch cfg.StorageBackend {
	case "local":
	case "oss":
		if cfg.OSSEndpoint == "" || cfg.OSSAccessKeyID == "" || cfg.OSSAccessKeySecret == "" {
			return nil, fmt.Errorf("STORAGE_BACKEND=oss needs OSS_ENDPOINT, OSS_ACCESS_KEY_ID and OSS_ACCESS_KEY_SECRET")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return d, nil
}
