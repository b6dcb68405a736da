// Package config loads service configuration: connection settings from the
// environment, stage policies from a tracked YAML file.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvConfig is everything the daemons read from the environment.
type EnvConfig struct {
	Port        string `envconfig:"PORT" default:"3000"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	AuthSecret string `envconfig:"AUTH_SECRET" required:"true"`

	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"voxelbench"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"password"`
	DBName     string `envconfig:"DB_NAME" default:"voxelbench"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT" default:"localhost:9000"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY" default:"minioadmin"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY" default:"minioadmin"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"voxelbench-artifacts"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	LLMBaseURL string `envconfig:"LLM_BASE_URL" default:"https://api.openai.com"`
	LLMAPIKey  string `envconfig:"LLM_API_KEY"`

	ServerImage  string `envconfig:"SANDBOX_SERVER_IMAGE" default:"voxelbench/game-server:latest"`
	BuilderImage string `envconfig:"SANDBOX_BUILDER_IMAGE" default:"voxelbench/builder:latest"`

	RenderBinary string `envconfig:"RENDER_BINARY" default:"vb-render"`

	StagePolicyFile string `envconfig:"STAGE_POLICY_FILE"`
}

// IsDev reports whether we run in a development environment.
func IsDev() bool {
	env := os.Getenv("ENVIRONMENT")
	return env == "" || env == "development"
}

// ValidateEnv loads .env in development, processes the environment, and
// checks cross-field constraints.
func ValidateEnv() (*EnvConfig, error) {
	if IsDev() {
		if err := godotenv.Load(); err != nil {
			log.Println("ℹ No .env file found")
		} else {
			log.Println("✓ Loaded .env file")
		}
	}

	var cfg EnvConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var errors []string

	if len(cfg.AuthSecret) < 32 {
		errors = append(errors, "  ❌ AUTH_SECRET must be at least 32 characters")
	}
	if cfg.S3Bucket == "" {
		errors = append(errors, "  ❌ S3_BUCKET must not be empty")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return &cfg, nil
}

// MaskSecret hides all but the edges of a secret for log output.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Print writes a human-readable configuration summary.
func (c *EnvConfig) Print(fmtr func(string, ...interface{})) {
	fmtr("📋 Configuration:\n")
	fmtr("  Environment: %s\n", c.Environment)
	fmtr("  Port: %s\n", c.Port)
	fmtr("  Database: %s@%s:%d/%s (sslmode=%s)\n", c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
	fmtr("  Redis: %s (db %d)\n", c.RedisAddr, c.RedisDB)
	fmtr("  Object store: %s/%s\n", c.S3Endpoint, c.S3Bucket)
	fmtr("  LLM endpoint: %s (key %s)\n", c.LLMBaseURL, MaskSecret(c.LLMAPIKey))
	fmtr("  Sandbox images: %s / %s\n", c.ServerImage, c.BuilderImage)
	if c.StagePolicyFile != "" {
		fmtr("  Stage policy file: %s\n", c.StagePolicyFile)
	} else {
		fmtr("  Stage policy file: <defaults>\n")
	}
}
