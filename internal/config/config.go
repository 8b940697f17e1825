package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	SessionMode       string `mapstructure:"session_mode"`
	Model             string `mapstructure:"model"`
	SystemInstruction string `mapstructure:"system_instruction"`
	OfferURL          string `mapstructure:"offer_url"`
	SignalURL         string `mapstructure:"signal_url"`
	SampleRate        int    `mapstructure:"sample_rate"`

	EchoCancellation bool `mapstructure:"echo_cancellation"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`

	ICEGatherTimeout time.Duration `mapstructure:"ice_gather_timeout"`
	SetupTimeout     time.Duration `mapstructure:"setup_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	STUNServers      []string      `mapstructure:"stun_servers"`
}

func Load() (*Config, error) {
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

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("session_mode", "live")
	v.SetDefault("model", "models/gemini-2.0-flash-live-001")
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("echo_cancellation", true)
	v.SetDefault("auto_gain_control", true)
	v.SetDefault("noise_suppression", true)
	v.SetDefault("ice_gather_timeout", "2500ms")
	v.SetDefault("setup_timeout", "10s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Session: %s\n", cfg.Mode, cfg.Port, cfg.SessionMode)
	return &cfg, nil
}
