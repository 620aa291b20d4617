package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisAddr      string
	RedisNamespace string
	DatabaseURL    string
	HTTPAddr       string

	TelegramBotToken      string
	TelegramSupportChatID string

	PaymentDetectURL string

	// ProcessingTimeout bounds how long a delivery may stay unacked
	// before the recovery routine reclaims it for redelivery.
	ProcessingTimeout time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisNamespace: getenv("REDIS_NAMESPACE", "nexa"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),

		TelegramBotToken:      getenv("TELEGRAM_BOT_TOKEN", ""),
		TelegramSupportChatID: getenv("TELEGRAM_SUPPORT_CHAT_ID", ""),

		PaymentDetectURL: getenv("PAYMENT_DETECT_URL", ""),

		ProcessingTimeout: getenvDuration("PROCESSING_TIMEOUT", 5*time.Minute),
	}
	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
