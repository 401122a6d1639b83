package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string `yaml:"env" env:"APP_ENV" env-default:"production"`
	HTTP     `yaml:"http"`
	Postgres `yaml:"postgres"`
	Redis    `yaml:"redis"`
	Kafka    `yaml:"kafka"`
	Session  `yaml:"session"`
	Policy   `yaml:"policy"`
	Offline  `yaml:"offline"`
}

type HTTP struct {
	Port                    string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout             time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Postgres struct {
	Host           string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"POSTGRES_USER" env-default:"postgres"`
	Password       string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"postgres"`
	Database       string `yaml:"database" env:"POSTGRES_DB" env-default:"checkout"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"internal/repository/migrations"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env:"KAFKA_ORDERS_TOPIC" env-default:"checkout.orders"`
}

type Session struct {
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"SESSION_IDLE_TTL" env-default:"15m"`
	Retention     time.Duration `yaml:"retention" env:"SESSION_RETENTION" env-default:"30s"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SESSION_SWEEP_INTERVAL" env-default:"5s"`
	GracePeriod   time.Duration `yaml:"grace_period" env:"CHANNEL_GRACE_PERIOD" env-default:"30s"`
}

type Policy struct {
	DiscountRate     string        `yaml:"discount_rate" env:"DISCOUNT_RATE" env-default:"0.05"`
	WeeklyDiscount   string        `yaml:"weekly_discount_cap" env:"WEEKLY_DISCOUNT_CAP" env-default:"125"`
	WeeklyPurchase   string        `yaml:"weekly_purchase_cap" env:"WEEKLY_PURCHASE_CAP" env-default:"2500"`
	StoreTimezone    string        `yaml:"store_timezone" env:"STORE_TIMEZONE" env-default:"UTC"`
	UsageCacheTTL    time.Duration `yaml:"usage_cache_ttl" env:"USAGE_CACHE_TTL" env-default:"5m"`
	UsageCacheJitter time.Duration `yaml:"usage_cache_jitter" env:"USAGE_CACHE_JITTER" env-default:"30s"`
}

type Offline struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"RECONCILE_INTERVAL" env-default:"10s"`
	BatchSize         int           `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE" env-default:"50"`
	RetryAttempts     uint          `yaml:"retry_attempts" env:"RECONCILE_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelay        time.Duration `yaml:"retry_delay" env:"RECONCILE_RETRY_DELAY" env-default:"200ms"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RECONCILE_RETRY_MAX_DELAY" env-default:"2s"`
}

// MustLoad reads configuration from the file named by CONFIG_PATH when
// set, falling back to the process environment otherwise.
func MustLoad() (cfg Config) {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			log.Fatalf("Error loading config from %s: %v", configPath, err)
		}
		return
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return
}
