package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	SignalURL string `mapstructure:"signal_url"`
	APIURL    string `mapstructure:"api_url"`

	ICEServers    []string `mapstructure:"ice_servers"`
	ICEUsername   string   `mapstructure:"ice_username"`
	ICECredential string   `mapstructure:"ice_credential"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	ReadLimit         int64         `mapstructure:"read_limit"`

	SpeakerInterval  time.Duration `mapstructure:"speaker_interval"`
	SpeakerThreshold float64       `mapstructure:"speaker_threshold"`
	RecordingMime    string        `mapstructure:"recording_mime"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	UploadDir        string        `mapstructure:"upload_dir"`
	MaxLinkRecreate  int           `mapstructure:"max_link_recreate"`

	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

var errInvalidICE = errors.New("invalid ice server url")

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg(".env not loaded")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("podcast")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("signal_url", cfg.SignalURL).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice_username", "")
	v.SetDefault("ice_credential", "")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_backoff", "3s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("ping_period", "30s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("speaker_interval", "100ms")
	v.SetDefault("speaker_threshold", 0.1)
	v.SetDefault("recording_mime", "audio/ogg")
	v.SetDefault("upload_timeout", "60s")
	v.SetDefault("upload_dir", "./uploads")
	v.SetDefault("max_link_recreate", 2)
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
}

func (c *Config) validate() error {
	for _, raw := range c.ICEServers {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("%w %q: %w", errInvalidICE, raw, err)
		}
	}
	if c.SpeakerThreshold < 0 || c.SpeakerThreshold > 1 {
		return fmt.Errorf("speaker_threshold must be within [0, 1], got %v", c.SpeakerThreshold)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	return nil
}
