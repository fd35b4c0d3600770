package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile        string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	AuthSecret    string
	URLSignSecret string
	TokenExpiry   time.Duration
	SignedURLTTL  time.Duration
	MaxUploadSize int64

	// Web push is optional; notifications are disabled when the VAPID
	// keys are empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

func Load(cliMode bool) (*Config, error) {
	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	urlTTL, err := time.ParseDuration(getEnv("SIGNED_URL_TTL", "1h"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:          getEnv("CHATTR_DB", "chattr.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		URLSignSecret:   getEnv("URL_SIGN_SECRET", os.Getenv("AUTH_SECRET")),
		TokenExpiry:     tokenExpiry,
		SignedURLTTL:    urlTTL,
		MaxUploadSize:   5 * 1024 * 1024,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
