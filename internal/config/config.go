package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Payments  PaymentsConfig
	Reminders RemindersConfig
	Receipts  ReceiptsConfig
	Mail      MailConfig
}

type ServerConfig struct {
	Address  string
	LogLevel string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval time.Duration
}

type PaymentsConfig struct {
	Expiry        time.Duration
	PollInterval  time.Duration
	BankRoutingID string
	BankName      string
	AccountHolder string
	SnowflakeNode int64
}

type RemindersConfig struct {
	LookaheadDays   int
	Location        *time.Location
	Concurrency     int
	ShutdownTimeout time.Duration
}

type ReceiptsConfig struct {
	URL     string
	Timeout time.Duration
}

type MailConfig struct {
	SendgridAPIKey string
	FromAddress    string
	FromName       string
}

var clabePattern = regexp.MustCompile(`^\d{18}$`)

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:  getEnv("SERVER_ADDRESS", ":8080"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Payments: PaymentsConfig{
			BankName:      getEnv("BANK_NAME", "BBVA"),
			AccountHolder: getEnv("BANK_ACCOUNT_HOLDER", "Colegio"),
		},
		Mail: MailConfig{
			SendgridAPIKey: os.Getenv("SENDGRID_API_KEY"),
			FromAddress:    getEnv("MAIL_FROM_ADDRESS", "noreply@localhost"),
			FromName:       getEnv("MAIL_FROM_NAME", "Colegio"),
		},
	}

	var err error
	cfg.Database.PostgresURL, err = requireEnv("POSTGRES_URL")
	collect(err)
	cfg.Receipts.URL, err = requireEnv("RECEIPT_URL")
	collect(err)
	cfg.Payments.BankRoutingID, err = requireEnv("BANK_ROUTING_ID")
	collect(err)

	cfg.Receipts.Timeout, err = getEnvSeconds("RECEIPT_TIMEOUT_SECONDS", 10)
	collect(err)
	cfg.Scheduler.Interval, err = getEnvSeconds("SCHED_INTERVAL_SECONDS", 3600)
	collect(err)
	cfg.Payments.Expiry, err = getEnvHours("PAYMENT_EXPIRY_HOURS", 72)
	collect(err)
	cfg.Payments.PollInterval, err = getEnvSeconds("PAYMENT_POLL_SECONDS", 30)
	collect(err)

	node, err := getEnvInt("SNOWFLAKE_NODE", 1)
	collect(err)
	cfg.Payments.SnowflakeNode = int64(node)

	cfg.Reminders.LookaheadDays, err = getEnvInt("REMINDER_LOOKAHEAD_DAYS", 3)
	collect(err)
	cfg.Reminders.Concurrency, err = getEnvInt("REMINDER_CONCURRENCY", 2)
	collect(err)
	cfg.Reminders.ShutdownTimeout, err = getEnvSeconds("REMINDER_SHUTDOWN_SECONDS", 30)
	collect(err)

	tz := getEnv("REMINDER_TIMEZONE", "UTC")
	cfg.Reminders.Location, err = time.LoadLocation(tz)
	if err != nil {
		collect(fmt.Errorf("invalid REMINDER_TIMEZONE %q: %w", tz, err))
	}

	cfg.Redis, err = loadRedisConfig()
	collect(err)

	if len(errs) == 0 {
		errs = append(errs, validate(cfg)...)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvSeconds("REDIS_TTL_SECONDS", 30*86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      ttl,
	}, errors.Join(dbErr, ttlErr)
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Payments.Expiry <= 0 {
		errs = append(errs, errors.New("PAYMENT_EXPIRY_HOURS must be > 0"))
	}
	if cfg.Payments.PollInterval <= 0 {
		errs = append(errs, errors.New("PAYMENT_POLL_SECONDS must be > 0"))
	}
	if !clabePattern.MatchString(cfg.Payments.BankRoutingID) {
		errs = append(errs, errors.New("BANK_ROUTING_ID must be an 18-digit CLABE"))
	}
	if cfg.Payments.SnowflakeNode < 0 || cfg.Payments.SnowflakeNode > 1023 {
		errs = append(errs, errors.New("SNOWFLAKE_NODE must be within 0..1023"))
	}
	if cfg.Reminders.LookaheadDays < 0 {
		errs = append(errs, errors.New("REMINDER_LOOKAHEAD_DAYS must be >= 0"))
	}
	if cfg.Reminders.Concurrency <= 0 {
		errs = append(errs, errors.New("REMINDER_CONCURRENCY must be > 0"))
	}
	if cfg.Receipts.Timeout <= 0 {
		errs = append(errs, errors.New("RECEIPT_TIMEOUT_SECONDS must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvSeconds(key string, def int) (time.Duration, error) {
	n, err := getEnvInt(key, def)
	return time.Duration(n) * time.Second, err
}

func getEnvHours(key string, def int) (time.Duration, error) {
	n, err := getEnvInt(key, def)
	return time.Duration(n) * time.Hour, err
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
