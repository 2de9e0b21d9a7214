package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	GeminiModel  string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string
	AITimeout    time.Duration
	TokenTTL     time.Duration
	SendBuffer   int
}

var AppConfig Config

// LoadConfig populates AppConfig from the environment, reading a .env file first if one exists.
func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		DatabaseURL:  getEnv("DATABASE_URL", "zac.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		AITimeout:    getEnvAsDuration("AI_TIMEOUT", 8*time.Second),
		TokenTTL:     getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		SendBuffer:   getEnvAsInt("SEND_BUFFER", 128),
	}

	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if AppConfig.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be positive, got %s", AppConfig.AITimeout)
	}
	if AppConfig.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", AppConfig.SendBuffer)
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
