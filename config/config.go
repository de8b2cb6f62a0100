package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store and relay drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Presence  PresenceConfig
	Signaling SignalingConfig
	Viewer    ViewerConfig
	Media     MediaConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	StoreDriver        string // postgres | memory
	RelayDriver        string // redis | memory
	// SweepInterval drives the server-side presence and signaling cleanup. Zero disables it.
	SweepInterval time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
	// Required rejects requests without a token; otherwise identity is optional.
	Required bool
}

// WebRTCConfig holds STUN/TURN ICE server URLs.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	Endpoint             string // S3-compatible endpoint such as MinIO; empty for AWS
	PresignExpireMinutes int
}

// RecordingConfig holds recording pipeline settings.
type RecordingConfig struct {
	SpoolDir string // failed uploads are written here for the worker
	MaxBytes int64  // in-memory cap per recording; 0 = unbounded
	// LocalDir stores recordings on disk when no bucket is configured.
	LocalDir     string
	LocalBaseURL string
}

// PresenceConfig holds the viewer liveness windows.
type PresenceConfig struct {
	ActiveWindow      time.Duration
	ExpiryWindow      time.Duration
	HeartbeatInterval time.Duration
}

// SignalingConfig holds signaling retention.
type SignalingConfig struct {
	Retention time.Duration
}

// ViewerConfig holds viewer orchestrator settings.
type ViewerConfig struct {
	HandshakeTimeout time.Duration
}

// MediaConfig holds the UDP RTP ingest used as the headless broadcaster's camera.
type MediaConfig struct {
	UserVideoAddr        string
	EnvironmentVideoAddr string
	AudioAddr            string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// S3Enabled reports whether recordings go to a bucket.
func (c AWSConfig) S3Enabled() bool {
	return c.RecordingsBucket != ""
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
			RelayDriver:        strings.ToLower(getEnv("RELAY_DRIVER", DriverRedis)),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 15*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "partycast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:   getEnv("JWT_SECRET", "change-me-in-production"),
			TTL:      time.Duration(getEnvInt("JWT_EXPIRE_HOURS", 24)) * time.Hour,
			Required: getEnvBool("JWT_REQUIRED", false),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			SpoolDir:     getEnv("RECORDING_SPOOL_DIR", os.TempDir()+"/partycast-spool"),
			MaxBytes:     int64(getEnvInt("RECORDING_MAX_BYTES", 0)),
			LocalDir:     getEnv("LOCAL_STORAGE_DIR", "./data"),
			LocalBaseURL: getEnv("LOCAL_STORAGE_BASE_URL", "http://localhost:8080/files"),
		},
		Presence: PresenceConfig{
			ActiveWindow:      getEnvDuration("PRESENCE_ACTIVE_WINDOW", 30*time.Second),
			ExpiryWindow:      getEnvDuration("PRESENCE_EXPIRY_WINDOW", 60*time.Second),
			HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 10*time.Second),
		},
		Signaling: SignalingConfig{
			Retention: getEnvDuration("SIGNAL_RETENTION", 60*time.Second),
		},
		Viewer: ViewerConfig{
			HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT", 45*time.Second),
		},
		Media: MediaConfig{
			UserVideoAddr:        getEnv("MEDIA_VIDEO_USER_ADDR", "127.0.0.1:5004"),
			EnvironmentVideoAddr: getEnv("MEDIA_VIDEO_ENVIRONMENT_ADDR", "127.0.0.1:5006"),
			AudioAddr:            getEnv("MEDIA_AUDIO_ADDR", "127.0.0.1:5008"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverPostgres, DriverMemory, c.Server.StoreDriver)
	}
	switch c.Server.RelayDriver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("RELAY_DRIVER must be %s or %s, got %q", DriverRedis, DriverMemory, c.Server.RelayDriver)
	}
	if c.Presence.ActiveWindow > c.Presence.ExpiryWindow {
		return fmt.Errorf("PRESENCE_ACTIVE_WINDOW (%s) must not exceed PRESENCE_EXPIRY_WINDOW (%s)", c.Presence.ActiveWindow, c.Presence.ExpiryWindow)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("45s") or plain seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
