package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr           string
	CollabAddr     string
	DatabaseURL    string
	RedisURL       string
	ReposDir       string
	MigrationsDir  string
	CORSOrigin     string
	MeiliURL       string
	MeiliMasterKey string
	// Logging
	LogFile string
	AppEnv  string
	// Session registry
	SyncTimeout        time.Duration
	SessionIdleTimeout time.Duration
	MaxSessions        int
	// Agent presence
	AgentName  string
	AgentColor string
	InstanceID string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:               getenv("API_ADDR", ":8787"),
		CollabAddr:         getenv("COLLAB_ADDR", ":1234"),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		RedisURL:           getenv("REDIS_URL", ""),
		ReposDir:           getenv("REPOS_DIR", "./data/repos"),
		MigrationsDir:      getenv("MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:         getenv("CORS_ORIGIN", "*"),
		MeiliURL:           getenv("MEILI_URL", ""),
		MeiliMasterKey:     getenv("MEILI_MASTER_KEY", ""),
		LogFile:            getenv("LOG_FILE", ""),
		AppEnv:             getenv("APP_ENV", "development"),
		SyncTimeout:        getenvDuration("SYNC_TIMEOUT_SECONDS", 10*time.Second),
		SessionIdleTimeout: getenvDuration("SESSION_IDLE_TIMEOUT_SECONDS", 0),
		MaxSessions:        getenvInt("MAX_SESSIONS", 256),
		AgentName:          getenv("AGENT_NAME", "AI Agent"),
		AgentColor:         getenv("AGENT_COLOR", "#6b5bd6"),
		InstanceID:         getenv("INSTANCE_ID", ""),
	}
}

func (c Config) Production() bool {
	return c.AppEnv == "production"
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	return time.Duration(getenvInt(key, int(fallback/time.Second))) * time.Second
}
