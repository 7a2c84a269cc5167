package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Platform struct {
		Name     string `mapstructure:"NAME"`
		Timezone string `mapstructure:"TIMEZONE"`
		Currency string `mapstructure:"CURRENCY"`
	} `mapstructure:"PLATFORM"`
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Enable bool `mapstructure:"ENABLE"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Outreach struct {
		FollowUpIntervals []time.Duration `mapstructure:"FOLLOW_UP_INTERVALS"`
		PricePerContact   int64           `mapstructure:"PRICE_PER_CONTACT"`
		GenerateTimeout   time.Duration   `mapstructure:"GENERATE_TIMEOUT"`
		DeliveryTimeout   time.Duration   `mapstructure:"DELIVERY_TIMEOUT"`
		Concurrency       int             `mapstructure:"CONCURRENCY"`
		TickInterval      time.Duration   `mapstructure:"TICK_INTERVAL"`
		LocalScheduler    bool            `mapstructure:"LOCAL_SCHEDULER"`
		ServiceOffer      string          `mapstructure:"SERVICE_OFFER"`
		SenderName        string          `mapstructure:"SENDER_NAME"`
	} `mapstructure:"OUTREACH"`
	OpenAI struct {
		APIKey      string  `mapstructure:"API_KEY"`
		BaseURL     string  `mapstructure:"BASE_URL"`
		Model       string  `mapstructure:"MODEL"`
		MaxTokens   int64   `mapstructure:"MAX_TOKENS"`
		Temperature float64 `mapstructure:"TEMPERATURE"`
	} `mapstructure:"OPENAI"`
	FallbackLLM struct {
		URL    string `mapstructure:"URL"`
		APIKey string `mapstructure:"API_KEY"`
		Model  string `mapstructure:"MODEL"`
	} `mapstructure:"FALLBACK_LLM"`
	Gateway struct {
		URL    string `mapstructure:"URL"`
		Token  string `mapstructure:"TOKEN"`
		Sender string `mapstructure:"SENDER"`
	} `mapstructure:"GATEWAY"`
	Resend struct {
		APIKey    string `mapstructure:"API_KEY"`
		FromEmail string `mapstructure:"FROM_EMAIL"`
		FromName  string `mapstructure:"FROM_NAME"`
		Subject   string `mapstructure:"SUBJECT"`
	} `mapstructure:"RESEND"`
	Discovery struct {
		URL     string        `mapstructure:"URL"`
		APIKey  string        `mapstructure:"API_KEY"`
		Qualify string        `mapstructure:"QUALIFY"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"DISCOVERY"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

// LoadConfig reads config.yaml from the working directory (optional) and lets
// environment variables override any key, e.g. OUTREACH_PRICE_PER_CONTACT.
func LoadConfig() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	cfg, err := Load(v)
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	return cfg
}

func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "outreach-engine")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("PLATFORM.TIMEZONE", "UTC")
	v.SetDefault("PLATFORM.CURRENCY", "INR")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.PATH", "data/outreach.db")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("OUTREACH.FOLLOW_UP_INTERVALS", []string{"1h", "6h", "24h"})
	v.SetDefault("OUTREACH.PRICE_PER_CONTACT", 500)
	v.SetDefault("OUTREACH.GENERATE_TIMEOUT", 20*time.Second)
	v.SetDefault("OUTREACH.DELIVERY_TIMEOUT", 15*time.Second)
	v.SetDefault("OUTREACH.CONCURRENCY", 1)
	v.SetDefault("OUTREACH.TICK_INTERVAL", 5*time.Minute)
	v.SetDefault("OUTREACH.SENDER_NAME", "Owner")
	v.SetDefault("OPENAI.BASE_URL", "https://api.openai.com/v1/")
	v.SetDefault("OPENAI.MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI.MAX_TOKENS", 250)
	v.SetDefault("OPENAI.TEMPERATURE", 0.6)
	v.SetDefault("RESEND.FROM_NAME", "Outreach")
	v.SetDefault("RESEND.SUBJECT", "Quick question")
	v.SetDefault("DISCOVERY.TIMEOUT", 10*time.Second)
}

func (c *Config) Validate() error {
	if len(c.Outreach.FollowUpIntervals) == 0 {
		return errors.New("config: OUTREACH.FOLLOW_UP_INTERVALS must list at least one duration")
	}
	for i, d := range c.Outreach.FollowUpIntervals {
		if d <= 0 {
			return fmt.Errorf("config: follow-up interval %d must be positive, got %s", i, d)
		}
	}
	if c.Outreach.PricePerContact < 0 {
		return errors.New("config: OUTREACH.PRICE_PER_CONTACT must not be negative")
	}
	if _, err := time.LoadLocation(c.Platform.Timezone); err != nil {
		return fmt.Errorf("config: invalid PLATFORM.TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the zone used for calendar-date decisions such as the
// ledger's daily reset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Platform.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
