package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// Secrets are read from the environment once at startup and injected into the
// components that need them. They never appear in the config file.
type Secrets struct {
	EncryptionKey string `env:"LETTERBOX_ENCRYPTION_KEY"`
	SMTPPassword  string `env:"LETTERBOX_SMTP_PASSWORD"`
	AdminToken    string `env:"LETTERBOX_ADMIN_TOKEN"`
	TelegramToken string `env:"LETTERBOX_TELEGRAM_TOKEN"`
	DatabaseDSN   string `env:"LETTERBOX_DATABASE_DSN"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("secrets: %w", err)
	}
	return s, nil
}

// LoadSecretsFrom parses secrets from an explicit environment map.
func LoadSecretsFrom(vars map[string]string) (Secrets, error) {
	var s Secrets
	if err := env.Parse(&s, env.Options{Environment: vars}); err != nil {
		return Secrets{}, fmt.Errorf("secrets: %w", err)
	}
	return s, nil
}
