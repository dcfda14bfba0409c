package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DefaultPharmacyID string
	StockCacheTTL     time.Duration

	AuthSecret     string
	AccessTokenTTL time.Duration
	ManagerPIN     string

	QRProviderURL           string
	QRProviderAPIKey        string
	QRProviderRatePerSecond float64
	QRWebhookSecret         string

	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string

	TillServerURL           string
	TillUsername            string
	TillPassword            string
	TillDeviceStatePath     string
	CardSettle              time.Duration
	VisibilityRetryAttempts int
	VisibilityRetryBase     time.Duration
}

// Load reads an optional .env file in the working directory, then lets real
// environment variables override it.
func Load() Config {
	return LoadFile(".env")
}

func LoadFile(path string) Config {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[config] WARN: could not read %s: %v", path, err)
		}
	}

	setDefaults(v)

	cfg := Config{
		Port:          v.GetString("PORT"),
		AllowedOrigin: v.GetString("ALLOWED_ORIGIN"),

		DatabaseURL:   strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		DefaultPharmacyID: v.GetString("DEFAULT_PHARMACY_ID"),
		StockCacheTTL:     seconds(v.GetInt("STOCK_CACHE_TTL_SECONDS"), 15),

		AuthSecret:     strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTL: time.Duration(positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 720)) * time.Minute,
		ManagerPIN:     strings.TrimSpace(v.GetString("MANAGER_PIN")),

		QRProviderURL:           strings.TrimRight(strings.TrimSpace(v.GetString("QR_PROVIDER_URL")), "/"),
		QRProviderAPIKey:        v.GetString("QR_PROVIDER_API_KEY"),
		QRProviderRatePerSecond: v.GetFloat64("QR_PROVIDER_RATE_PER_SECOND"),
		QRWebhookSecret:         strings.TrimSpace(v.GetString("QR_WEBHOOK_SECRET")),

		ArchiveBucket:   strings.TrimSpace(v.GetString("ARCHIVE_BUCKET")),
		ArchiveRegion:   v.GetString("ARCHIVE_REGION"),
		ArchiveEndpoint: strings.TrimSpace(v.GetString("ARCHIVE_ENDPOINT")),
		ArchivePrefix:   v.GetString("ARCHIVE_PREFIX"),

		TillServerURL:           strings.TrimRight(v.GetString("TILL_SERVER_URL"), "/"),
		TillUsername:            v.GetString("TILL_USERNAME"),
		TillPassword:            v.GetString("TILL_PASSWORD"),
		TillDeviceStatePath:     v.GetString("TILL_DEVICE_STATE_PATH"),
		CardSettle:              seconds(v.GetInt("CARD_SETTLE_SECONDS"), 10),
		VisibilityRetryAttempts: positive(v.GetInt("VISIBILITY_RETRY_ATTEMPTS"), 3),
		VisibilityRetryBase:     time.Duration(positive(v.GetInt("VISIBILITY_RETRY_BASE_MS"), 200)) * time.Millisecond,
	}
	if cfg.QRProviderRatePerSecond <= 0 {
		cfg.QRProviderRatePerSecond = 5
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_PHARMACY_ID", "main-pharmacy")
	v.SetDefault("STOCK_CACHE_TTL_SECONDS", 15)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 720)
	v.SetDefault("QR_PROVIDER_RATE_PER_SECOND", 5)
	v.SetDefault("ARCHIVE_REGION", "us-east-1")
	v.SetDefault("ARCHIVE_PREFIX", "close-reports")
	v.SetDefault("TILL_SERVER_URL", "http://127.0.0.1:8080")
	v.SetDefault("TILL_DEVICE_STATE_PATH", "till-state.db")
	v.SetDefault("CARD_SETTLE_SECONDS", 10)
	v.SetDefault("VISIBILITY_RETRY_ATTEMPTS", 3)
	v.SetDefault("VISIBILITY_RETRY_BASE_MS", 200)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}

func seconds(value int, fallback int) time.Duration {
	return time.Duration(positive(value, fallback)) * time.Second
}
