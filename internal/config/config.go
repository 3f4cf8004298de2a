// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"
)

// Config holds the process-level settings of the arena server, loaded from
// environment variables (a .env file is honored in development).
type Config struct {
	// Port the HTTP/WebSocket server listens on. GAMBIT_SERVICE_PORT,
	// falling back to PORT, default 8080.
	Port string

	// IPNSecret signs inbound payment provider callbacks.
	// PAYMENT_IPN_SECRET; deposits cannot be confirmed without it.
	IPNSecret string

	// HouseFeeRate is the cut taken from the pot on decisive results.
	// HOUSE_FEE_RATE, default 0.
	HouseFeeRate float64

	// QueueTTL is how long a matchmaking entry lives before it is swept.
	// QUEUE_TTL_SEC, default 120.
	QueueTTL time.Duration

	// JoinGrace bounds how long a fresh session waits for both players.
	// JOIN_GRACE_SEC, default 60.
	JoinGrace time.Duration

	// ReconnectGrace bounds a mid-game disconnect before forfeit.
	// RECONNECT_GRACE_SEC, default 30.
	ReconnectGrace time.Duration

	// LogLevel is the logrus level name. LOG_LEVEL, default "info".
	LogLevel log.Level
}

// Load reads the configuration from the environment.
func Load() Config {
	cfg := Config{
		Port:           getEnv("GAMBIT_SERVICE_PORT", getEnv("PORT", "8080")),
		IPNSecret:      os.Getenv("PAYMENT_IPN_SECRET"),
		HouseFeeRate:   getEnvFloat("HOUSE_FEE_RATE", 0),
		QueueTTL:       time.Duration(getEnvInt("QUEUE_TTL_SEC", 120)) * time.Second,
		JoinGrace:      time.Duration(getEnvInt("JOIN_GRACE_SEC", 60)) * time.Second,
		ReconnectGrace: time.Duration(getEnvInt("RECONNECT_GRACE_SEC", 30)) * time.Second,
		LogLevel:       log.InfoLevel,
	}
	if lvl, err := log.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		cfg.LogLevel = lvl
	}
	return cfg
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}
