package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	OTLPEnabled  bool
	OTLPEndpoint string
	OTLPProtocol string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	AMQPURL string

	OrderServiceURL   string
	OrderServiceToken string

	MTNMoMo     PushProviderConfig
	AirtelMoney PushProviderConfig
}

// PushProviderConfig carries the outbound credentials for one push provider.
type PushProviderConfig struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	WebhookSecret   string
	TargetEnv       string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "sokopay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		OTLPEnabled:  getenvBool("OTLP_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "sokopay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		AMQPURL: getenv("AMQP_URL", ""),

		OrderServiceURL:   getenv("ORDER_SERVICE_URL", "http://localhost:8081"),
		OrderServiceToken: strings.TrimSpace(getenv("ORDER_SERVICE_TOKEN", "")),

		MTNMoMo: PushProviderConfig{
			BaseURL:         getenv("MTN_MOMO_BASE_URL", "https://sandbox.momodeveloper.mtn.com"),
			ClientID:        strings.TrimSpace(getenv("MTN_MOMO_CLIENT_ID", "")),
			ClientSecret:    strings.TrimSpace(getenv("MTN_MOMO_CLIENT_SECRET", "")),
			SubscriptionKey: strings.TrimSpace(getenv("MTN_MOMO_SUBSCRIPTION_KEY", "")),
			WebhookSecret:   strings.TrimSpace(getenv("MTN_MOMO_WEBHOOK_SECRET", "")),
			TargetEnv:       getenv("MTN_MOMO_TARGET_ENV", "sandbox"),
		},
		AirtelMoney: PushProviderConfig{
			BaseURL:       getenv("AIRTEL_MONEY_BASE_URL", "https://openapiuat.airtel.africa"),
			ClientID:      strings.TrimSpace(getenv("AIRTEL_MONEY_CLIENT_ID", "")),
			ClientSecret:  strings.TrimSpace(getenv("AIRTEL_MONEY_CLIENT_SECRET", "")),
			WebhookSecret: strings.TrimSpace(getenv("AIRTEL_MONEY_WEBHOOK_SECRET", "")),
			TargetEnv:     getenv("AIRTEL_MONEY_TARGET_ENV", "uat"),
		},
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
