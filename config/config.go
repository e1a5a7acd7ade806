package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

type Config struct {
	Port           string    `yaml:"port"`
	Environment    string    `yaml:"environment"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
	JWTSecret      string    `yaml:"jwt_secret"`
	AdminPassword  string    `yaml:"admin_password"`
	TLS            TLSConfig `yaml:"tls"`

	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Media     MediaConfig     `yaml:"media"`
	Room      RoomConfig      `yaml:"room"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (c TLSConfig) Enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MediaConfig configures the media-routing engine.
type MediaConfig struct {
	// WorkerBin is the path of the mediasoup-worker executable.
	WorkerBin       string                      `yaml:"worker_bin"`
	WorkerLogLevel  string                      `yaml:"worker_log_level"`
	NumWorkers      int                         `yaml:"num_workers"`
	RtcMinPort      uint16                      `yaml:"rtc_min_port"`
	RtcMaxPort      uint16                      `yaml:"rtc_max_port"`
	MediaCodecs     []engine.RtpCodecCapability `yaml:"media_codecs"`
	WebRtcTransport WebRtcTransportConfig       `yaml:"webrtc_transport"`
	PlainTransport  PlainTransportConfig        `yaml:"plain_transport"`
}

type WebRtcTransportConfig struct {
	ListenInfos                     []engine.ListenInfo `yaml:"listen_infos"`
	InitialAvailableOutgoingBitrate int                 `yaml:"initial_available_outgoing_bitrate"`
	MaxIncomingBitrate              int                 `yaml:"max_incoming_bitrate"`
	MaxSctpMessageSize              uint32              `yaml:"max_sctp_message_size"`
}

type PlainTransportConfig struct {
	ListenInfo engine.ListenInfo `yaml:"listen_info"`
}

type RoomConfig struct {
	StatusInterval        time.Duration `yaml:"status_interval"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	NetworkThrottleSecret string        `yaml:"network_throttle_secret"`
	ThrottleInterface     string        `yaml:"throttle_interface"`
}

type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerMin int           `yaml:"requests_per_min"`
	BurstSize      int           `yaml:"burst_size"`
	ExpirationTime time.Duration `yaml:"expiration_time"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:           "4443",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
			TTL:  24 * time.Hour,
		},
		Media: MediaConfig{
			WorkerLogLevel: "warn",
			NumWorkers:     1,
			RtcMinPort:     40000,
			RtcMaxPort:     49999,
			WebRtcTransport: WebRtcTransportConfig{
				ListenInfos:                     []engine.ListenInfo{{Protocol: "udp", IP: "0.0.0.0", AnnouncedAddress: "127.0.0.1"}},
				InitialAvailableOutgoingBitrate: 1000000,
				MaxIncomingBitrate:              1500000,
				MaxSctpMessageSize:              262144,
			},
			PlainTransport: PlainTransportConfig{
				ListenInfo: engine.ListenInfo{Protocol: "udp", IP: "0.0.0.0", AnnouncedAddress: "127.0.0.1"},
			},
		},
		Room: RoomConfig{
			StatusInterval:    120 * time.Second,
			RequestTimeout:    20 * time.Second,
			ThrottleInterface: "eth0",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 120,
			BurstSize:      20,
			ExpirationTime: 10 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.TLS.CertFile = getEnv("HTTPS_CERT_FULLCHAIN", cfg.TLS.CertFile)
	cfg.TLS.KeyFile = getEnv("HTTPS_CERT_PRIVKEY", cfg.TLS.KeyFile)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Redis.Enabled = getEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Media.WorkerBin = getEnv("MEDIASOUP_WORKER_BIN", cfg.Media.WorkerBin)
	cfg.Media.NumWorkers = getEnvInt("MEDIASOUP_NUM_WORKERS", cfg.Media.NumWorkers)
	cfg.Media.RtcMinPort = uint16(getEnvInt("MEDIASOUP_MIN_PORT", int(cfg.Media.RtcMinPort)))
	cfg.Media.RtcMaxPort = uint16(getEnvInt("MEDIASOUP_MAX_PORT", int(cfg.Media.RtcMaxPort)))
	if ip := os.Getenv("MEDIASOUP_LISTEN_IP"); ip != "" {
		for i := range cfg.Media.WebRtcTransport.ListenInfos {
			cfg.Media.WebRtcTransport.ListenInfos[i].IP = ip
		}
		cfg.Media.PlainTransport.ListenInfo.IP = ip
	}
	if addr := os.Getenv("MEDIASOUP_ANNOUNCED_IP"); addr != "" {
		for i := range cfg.Media.WebRtcTransport.ListenInfos {
			cfg.Media.WebRtcTransport.ListenInfos[i].AnnouncedAddress = addr
		}
		cfg.Media.PlainTransport.ListenInfo.AnnouncedAddress = addr
	}

	cfg.Room.NetworkThrottleSecret = getEnv("NETWORK_THROTTLE_SECRET", cfg.Room.NetworkThrottleSecret)
	cfg.Room.ThrottleInterface = getEnv("NETWORK_THROTTLE_INTERFACE", cfg.Room.ThrottleInterface)
}

func (c *Config) validate() error {
	if c.Media.NumWorkers < 1 {
		return fmt.Errorf("media.num_workers must be at least 1, got %d", c.Media.NumWorkers)
	}
	if c.Media.RtcMaxPort < c.Media.RtcMinPort {
		return fmt.Errorf("media.rtc_max_port %d is below rtc_min_port %d", c.Media.RtcMaxPort, c.Media.RtcMinPort)
	}
	if len(c.Media.WebRtcTransport.ListenInfos) == 0 {
		return fmt.Errorf("media.webrtc_transport.listen_infos must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
