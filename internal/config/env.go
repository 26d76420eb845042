package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for values that should not live in the config file.
const (
	EnvTelegramToken  = "AUTOPOST_TELEGRAM_TOKEN"
	EnvTelegramChatID = "AUTOPOST_TELEGRAM_CHAT_ID"
	EnvWebhookURL     = "AUTOPOST_WEBHOOK_URL"
	EnvStorageDSN     = "AUTOPOST_STORAGE_DSN"
	EnvJWTSecret      = "AUTOPOST_JWT_SECRET"
	EnvLogLevel       = "AUTOPOST_LOG_LEVEL"
)

// loadDotEnv loads a .env file next to the config file, then one in the
// working directory. Existing environment variables are never overwritten.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

func applyEnv(cfg *Config) {
	if v := env(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := env(EnvStorageDSN); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.DSN = v
	}
	if v := env(EnvJWTSecret); v != "" {
		cfg.HTTP.JWTSecret = v
	}

	tok := env(EnvTelegramToken)
	chat := env(EnvTelegramChatID)
	hook := env(EnvWebhookURL)
	if tok == "" && chat == "" && hook == "" {
		return
	}
	if cfg.Notifier == nil {
		n := DefaultNotifier()
		cfg.Notifier = &n
	}
	if tok != "" || chat != "" {
		if cfg.Notifier.Telegram == nil {
			cfg.Notifier.Telegram = &NotifierTelegram{}
		}
		if tok != "" {
			cfg.Notifier.Telegram.Token = tok
		}
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Notifier.Telegram.ChatID = id
		}
	}
	if hook != "" {
		cfg.Notifier.Webhook = &NotifierWebhook{URL: hook}
	}
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
