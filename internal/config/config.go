package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile            string
	AdminAddr         string
	APIAddr           string
	BaseURL           string
	TokenExpiry       time.Duration
	PresenceTTL       time.Duration
	MaxMessageBytes   int
	IdempotencyWindow time.Duration
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	PushContact       string
}

func Load() (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "720h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}

	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", "90s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_TTL: %w", err)
	}

	idemWindow, err := time.ParseDuration(getEnv("IDEMPOTENCY_WINDOW", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid IDEMPOTENCY_WINDOW: %w", err)
	}

	maxBytes := 4096
	if v := os.Getenv("MAX_MESSAGE_BYTES"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err != nil {
			return nil, fmt.Errorf("invalid MAX_MESSAGE_BYTES: %w", err)
		}
	}

	cfg := &Config{
		DBFile:            getEnv("QUAD_DB", "quad.db"),
		AdminAddr:         getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		TokenExpiry:       tokenExpiry,
		PresenceTTL:       presenceTTL,
		MaxMessageBytes:   maxBytes,
		IdempotencyWindow: idemWindow,
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:       getEnv("PUSH_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be greater than 0")
	}

	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be greater than 0")
	}

	// Web push is optional, but the keys come as a pair.
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
