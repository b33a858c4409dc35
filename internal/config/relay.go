package config

import (
	"fmt"
	"strconv"

	"github.com/joho/godotenv"
)

// RelayConfig holds the relay signaling server configuration.
type RelayConfig struct {
	Port          string
	Environment   string
	JWTSecret     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// LoadRelay reads the relay configuration. An empty JWT secret disables
// authentication and an empty Redis address keeps presence in memory.
func LoadRelay() (*RelayConfig, error) {
	_ = godotenv.Load()

	db := 0
	if v := getEnv("RELAY_REDIS_DB", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RELAY_REDIS_DB: invalid value %q", v)
		}
		db = n
	}

	return &RelayConfig{
		Port:          getEnv("RELAY_PORT", "8080"),
		Environment:   getEnv("RELAY_ENV", "development"),
		JWTSecret:     getEnv("RELAY_JWT_SECRET", ""),
		RedisAddr:     getEnv("RELAY_REDIS_ADDR", ""),
		RedisPassword: getEnv("RELAY_REDIS_PASSWORD", ""),
		RedisDB:       db,
	}, nil
}
