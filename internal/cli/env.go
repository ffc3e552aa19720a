package cli

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables that supply flag defaults.
const (
	EnvDatabase     = "IDEM_DB"
	EnvDriver       = "IDEM_DRIVER"
	EnvPolicy       = "IDEM_POLICY"
	EnvAddr         = "IDEM_ADDR"
	EnvTemporalHost = "IDEM_TEMPORAL_HOST"
)

// loadEnv reads a .env file from the working directory, if present.
// Variables already set in the environment are not overridden.
func loadEnv() {
	_ = godotenv.Load()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
