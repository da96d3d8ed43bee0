package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location relative to the working
// directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	IdentityJWKSURL    string `yaml:"identityJwksURL"`
	IdentityProfileURL string `yaml:"identityProfileURL"`
	IdentityAPIToken   string `yaml:"identityApiToken"`
	JWTIssuer          string `yaml:"jwtIssuer"`
	JWTAudience        string `yaml:"jwtAudience"`
	JWTLeeway          string `yaml:"jwtLeeway"`

	ModelBaseURL    string `yaml:"modelBaseURL"`
	ModelAPIKey     string `yaml:"modelApiKey"`
	GenerationModel string `yaml:"generationModel"`
	TitleModel      string `yaml:"titleModel"`
	ImageModel      string `yaml:"imageModel"`
	MaxToolSteps    int    `yaml:"maxToolSteps"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	ChatRateLimitPerMinute int    `yaml:"chatRateLimitPerMinute"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL       string `yaml:"amqpURL"`
	EventExchange string `yaml:"eventExchange"`

	MCPCommand     string `yaml:"mcpCommand"`
	WeatherBaseURL string `yaml:"weatherBaseURL"`

	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides for deployment secrets.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = v
	}
	if v := os.Getenv("IDENTITY_PROFILE_URL"); v != "" {
		cfg.IdentityProfileURL = v
	}
	if v := os.Getenv("IDENTITY_API_TOKEN"); v != "" {
		cfg.IdentityAPIToken = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.ModelBaseURL = v
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.ModelAPIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MCP_COMMAND"); v != "" {
		cfg.MCPCommand = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.IdentityJWKSURL) == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or IDENTITY_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.IdentityProfileURL) == "" {
		return errors.New("config: identityProfileURL is required (set in config.yaml or IDENTITY_PROFILE_URL)")
	}
	if strings.TrimSpace(cfg.ModelBaseURL) == "" {
		return errors.New("config: modelBaseURL is required (set in config.yaml or MODEL_BASE_URL)")
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: chatRateLimitPerMinute must be >= 0")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minio requires endpoint, access key, secret key and bucket together")
	}
	return nil
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
