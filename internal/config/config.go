package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"dialogue-server/pkg/secrets"
)

// Config holds the application configuration. Secret fields deliberately
// have no envconfig tag: they are read from Docker Secrets files only.
type Config struct {
	Env        string `envconfig:"ENV" default:"development"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"debug"`
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	// Database
	DBHost        string        `envconfig:"DB_HOST" required:"true"`
	DBPort        string        `envconfig:"DB_PORT" required:"true"`
	DBUser        string        `envconfig:"DB_USER" required:"true"`
	DBName        string        `envconfig:"DB_NAME" required:"true"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_IDLE_TIMEOUT" default:"5m"`
	DBPassword    string

	MigrateOnStart bool `envconfig:"MIGRATE_ON_START" default:"true"`

	// Redis backs the per-(player, game) turn guard. Optional: with no
	// address configured the guard degrades to a noop.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string

	TurnLockTTL time.Duration `envconfig:"TURN_LOCK_TTL" default:"2m"`

	// RabbitMQ carries committed-turn updates to fan-out consumers.
	// Optional: with no URL configured updates are dropped.
	RabbitMQURL        string `envconfig:"RABBITMQ_URL" default:""`
	ClientUpdatesQueue string `envconfig:"CLIENT_UPDATES_QUEUE" default:"client_updates"`

	// JWT
	JWTSecret string

	// AI provider
	AIProvider string        `envconfig:"AI_PROVIDER" default:"openai"`
	AIBaseURL  string        `envconfig:"AI_BASE_URL" default:""`
	AIModel    string        `envconfig:"AI_MODEL" required:"true"`
	AITimeout  time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIAPIKey   string
	JudgeModel string `envconfig:"AI_JUDGE_MODEL" default:""`

	// CORS
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

// GetDSN builds the Postgres connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// GetAllowedOrigins splits the CORSAllowedOrigins string into a slice.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(c.CORSAllowedOrigins, " ", ""), ",")
}

// LoadConfig loads configuration from environment variables and secrets.
func LoadConfig(envFilePath string) (*Config, error) {
	if _, err := os.Stat(envFilePath); err == nil {
		if err := godotenv.Load(envFilePath); err != nil {
			log.Printf("Warning: Could not load %s file: %v", envFilePath, err)
		} else {
			log.Printf("Loaded configuration from %s", envFilePath)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Warning: Error checking %s file: %v", envFilePath, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env vars: %w", err)
	}

	var loadErr error
	cfg.DBPassword, loadErr = secrets.Read("db_password")
	if loadErr != nil {
		return nil, loadErr
	}

	cfg.JWTSecret, loadErr = secrets.Read("jwt_secret")
	if loadErr != nil {
		return nil, loadErr
	}

	cfg.AIAPIKey, loadErr = secrets.Read("ai_api_key")
	if loadErr != nil {
		// Ollama needs no key; OpenAI-compatible providers do.
		if strings.EqualFold(cfg.AIProvider, "ollama") {
			log.Printf("Secret 'ai_api_key' not found, continuing without it for provider %s", cfg.AIProvider)
		} else {
			return nil, loadErr
		}
	}

	redisPass, err := secrets.Read("redis_password")
	if err == nil {
		cfg.RedisPassword = redisPass
		log.Println("Redis password loaded from secret.")
	} else if cfg.RedisAddr != "" {
		log.Printf("Optional secret 'redis_password' not found: %v. Assuming no password.", err)
	}

	log.Println("Configuration loaded successfully (secrets read from files).")
	return &cfg, nil
}
