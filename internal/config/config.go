package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	Addr           string
	AllowedOrigins []string

	// URLs
	FrontendURL string
	APIURL      string

	// Database
	DBPath string

	// Reconciliation
	PollInterval   time.Duration
	GatewayTimeout time.Duration

	// T-Bank
	TBankTerminalKey string
	TBankPassword    string
	TBankBaseURL     string

	// Stripe
	StripeKey string

	// TON
	TONWalletAddr string
	TonAPIBaseURL string
	TonAPIKey     string

	// Telegram
	BotToken string
}

func Load() *Config {
	return &Config{
		// HTTP
		Addr:           getEnv("ADDR", ":8080"),
		AllowedOrigins: splitEnv("ALLOWED_ORIGINS", "*"),

		// URLs
		FrontendURL: strings.TrimSuffix(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
		APIURL:      strings.TrimSuffix(getEnv("API_URL", "http://localhost:8080"), "/"),

		// Database
		DBPath: getEnv("DB_PATH", "./streamcash.db"),

		// Reconciliation
		PollInterval:   getEnvDuration("POLL_INTERVAL", 10*time.Second),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),

		// T-Bank
		TBankTerminalKey: getEnv("TBANK_TERMINAL_KEY", ""),
		TBankPassword:    getEnv("TBANK_PASSWORD", ""),
		TBankBaseURL:     strings.TrimSuffix(getEnv("TBANK_BASE_URL", "https://securepay.tinkoff.ru/v2"), "/"),

		// Stripe
		StripeKey: getEnv("STRIPE_KEY", ""),

		// TON
		TONWalletAddr: getEnv("TON_WALLET_ADDR", ""),
		TonAPIBaseURL: strings.TrimSuffix(getEnv("TONAPI_BASE_URL", "https://tonapi.io/v2"), "/"),
		TonAPIKey:     getEnv("TONAPI_API_KEY", ""),

		// Telegram
		BotToken: getEnv("BOT_TOKEN", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitEnv(key, defaultVal string) []string {
	raw := getEnv(key, defaultVal)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
