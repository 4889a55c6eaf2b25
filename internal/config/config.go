package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"supportchat-ws/internal/polling"

	"github.com/google/uuid"
)

// devJWTSecret signs tokens outside production when JWT_SECRET is unset.
const devJWTSecret = "dev-secret-change-me"

type Config struct {
	Port             string
	Environment      string
	LogLevel         string
	InstanceID       string
	AllowedOrigins   []string
	AllowCredentials bool

	JWTSecret    string
	DatabasePath string

	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaGroupID string

	TypingQuietPeriod time.Duration
	PollInterval      time.Duration
	AdminStatusGrace  time.Duration
	RosterReadTimeout time.Duration
	RoomPruneInterval time.Duration

	EventRatePerSecond float64
	EventBurst         int
}

// LoadConfig reads the environment. Call godotenv.Load first to pick up a .env file.
func LoadConfig() *Config {
	return &Config{
		Port:             getEnv("PORT", "8082"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		InstanceID:       getEnv("INSTANCE_ID", uuid.NewString()),
		AllowedOrigins:   getList("ALLOWED_ORIGINS", []string{"*"}),
		AllowCredentials: getBool("ALLOW_CREDENTIALS", false),

		JWTSecret:    getEnv("JWT_SECRET", devJWTSecret),
		DatabasePath: getEnv("DATABASE_PATH", "supportchat.db"),

		RedisEnabled:  getBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaEnabled: getBool("KAFKA_ENABLED", true),
		KafkaBrokers: getList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "supportchat-ws-group"),

		TypingQuietPeriod: getDuration("TYPING_QUIET_PERIOD", 3*time.Second),
		PollInterval:      polling.ClampInterval(getDuration("POLL_INTERVAL", polling.DefaultInterval)),
		AdminStatusGrace:  getDuration("ADMIN_STATUS_GRACE", 30*time.Second),
		RosterReadTimeout: getDuration("ROSTER_READ_TIMEOUT", 3*time.Second),
		RoomPruneInterval: getDuration("ROOM_PRUNE_INTERVAL", time.Minute),

		EventRatePerSecond: getFloat("EVENT_RATE_PER_SECOND", 20),
		EventBurst:         getInt("EVENT_BURST", 40),
	}
}

// Validate rejects settings that are only acceptable for local development.
func (c *Config) Validate() error {
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == devJWTSecret) {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f <= 0 {
		return defaultValue
	}
	return f
}

// RedisAddr returns host:port of the Redis server.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
