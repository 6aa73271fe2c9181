package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL   string
	MailQueue string

	StripeAPIKey        string
	StripeWebhookSecret string

	RoutingEndpoint string

	AdminToken string
	AdminEmail string
	JWTSecret  string
	JWTTTL     time.Duration

	FrontendURL string

	SubcontractingEnabled bool
	CommissionRate        float64
	ReservationTTL        time.Duration
	ClaimTokenTTL         time.Duration
	LateCancelWindow      time.Duration
	LateCancelLimit       int
	CommissionFloor       float64
	Currency              string

	RateLimitEnabled  bool
	RateLimitCapacity int
	RateLimitRefill   time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		KafkaTopic: "course-lifecycle",
		MailQueue:  "notifications",

		JWTTTL: 24 * time.Hour,

		SubcontractingEnabled: true,
		CommissionRate:        0.10,
		ReservationTTL:        3 * time.Minute,
		ClaimTokenTTL:         30 * time.Minute,
		LateCancelWindow:      time.Hour,
		LateCancelLimit:       3,
		CommissionFloor:       0.50,
		Currency:              "eur",

		RateLimitCapacity: 30,
		RateLimitRefill:   2 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	if cfg.AMQPURL == "" {
		cfg.AMQPURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	}
	setStringFromEnv(&cfg.MailQueue, "MAIL_QUEUE")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	cfg.RoutingEndpoint = strings.TrimSpace(os.Getenv("ROUTING_ENDPOINT"))

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminEmail = os.Getenv("ADMIN_EMAIL")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	setStringFromEnv(&cfg.FrontendURL, "FRONTEND_URL")

	if v := os.Getenv("SUBCONTRACTING_ENABLED"); v != "" {
		cfg.SubcontractingEnabled = strings.EqualFold(v, "true")
	}
	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	setDurationFromEnv(&cfg.ReservationTTL, "RESERVATION_TTL", &errs)
	setDurationFromEnv(&cfg.ClaimTokenTTL, "CLAIM_TOKEN_TTL", &errs)
	setDurationFromEnv(&cfg.LateCancelWindow, "LATE_CANCEL_WINDOW", &errs)
	setIntFromEnv(&cfg.LateCancelLimit, "LATE_CANCEL_LIMIT", &errs)
	setFloatFromEnv(&cfg.CommissionFloor, "COMMISSION_FLOOR", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.RateLimitEnabled = strings.EqualFold(os.Getenv("RATELIMIT_ENABLED"), "true")
	setIntFromEnv(&cfg.RateLimitCapacity, "RATELIMIT_CAPACITY", &errs)
	setDurationFromEnv(&cfg.RateLimitRefill, "RATELIMIT_REFILL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.CommissionRate <= 0 || cfg.CommissionRate >= 1 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in (0, 1)"))
	}
	if cfg.ReservationTTL <= 0 {
		errs = append(errs, fmt.Errorf("RESERVATION_TTL must be > 0"))
	}
	if cfg.LateCancelLimit <= 0 {
		errs = append(errs, fmt.Errorf("LATE_CANCEL_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
