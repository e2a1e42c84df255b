// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env             string `yaml:"env" env-default:"local"`
	Storage         `yaml:"storage"`
	RedisConnection `yaml:"redis_connection"`
	HTTPServer      `yaml:"http_server"`
	Telegram        `yaml:"telegram"`
	Payments        `yaml:"payments"`
	Sweeper         `yaml:"sweeper"`
	Broadcast       `yaml:"broadcast"`
	RabbitMQ        `yaml:"rabbitmq"`
}

// Storage структура для настройки подключения к PostgreSQL
type Storage struct {
	StorageConnectionString string        `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING" env-required:"true"`
	MigrationsPath          string        `yaml:"migrations_path" env-default:"./migrations"`
	StorageTimeout          time.Duration `yaml:"storage_timeout" env-default:"5s"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP     string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP     time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env-default:"60s"`
	StatusRateLimit float64       `yaml:"status_rate_limit" env-default:"10"`
	StatusRateBurst int           `yaml:"status_rate_burst" env-default:"20"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env-default:"localhost:6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	TimeoutRedis time.Duration `yaml:"timeoutredis"`
	StatusTTL    time.Duration `yaml:"status_ttl" env-default:"5m"`
}

// Telegram структура для работы с Bot API
type Telegram struct {
	Token         string        `yaml:"token" env:"TOKEN" env-required:"true"`
	OperatorID    int64         `yaml:"operator_id" env:"ADMIN_ID" env-required:"true"`
	APIURL        string        `yaml:"api_url" env-default:"https://api.telegram.org"`
	WebhookURL    string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	WebhookSecret string        `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
	SendTimeout   time.Duration `yaml:"send_timeout" env-default:"10s"`
	QueueSize     int           `yaml:"queue_size" env-default:"100"`
}

// Payments структура с таблицей цен и сроком подписки
type Payments struct {
	ProviderToken string        `yaml:"provider_token" env:"PROVIDER_TOKEN"`
	Currency      string        `yaml:"currency" env-default:"USD"`
	ProPrice      int           `yaml:"pro_price" env-default:"1499"`
	PremiumPrice  int           `yaml:"premium_price" env-default:"2999"`
	ProStars      int           `yaml:"pro_stars" env-default:"1499"`
	PremiumStars  int           `yaml:"premium_stars" env-default:"2999"`
	Term          time.Duration `yaml:"term" env-default:"720h"`
}

// Sweeper структура для настройки фоновой проверки истекших подписок
type Sweeper struct {
	SweepInterval time.Duration `yaml:"interval" env-default:"24h"`
	NotifyTimeout time.Duration `yaml:"notify_timeout" env-default:"10s"`
}

// Broadcast структура для настройки рассылки сигналов
type Broadcast struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env-default:"10s"`
	Concurrency     int           `yaml:"concurrency" env-default:"8"`
	RatePerSecond   float64       `yaml:"rate_per_second" env-default:"25"`
	SessionTTL      time.Duration `yaml:"session_ttl" env-default:"30m"`
}

// RabbitMQ структура для подключения к брокеру уведомлений. Пустой URL отключает очередь.
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// MustLoad функция для загрузки конфига, завершает процесс при ошибке.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает конфиг из файла и переменных окружения.
func Load(configPath string) (*Config, error) {
	const op = "config.Load"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// PaymentsEnabled сообщает, настроен ли внешний платежный провайдер.
func (c *Config) PaymentsEnabled() bool {
	return c.ProviderToken != ""
}

// QueueEnabled сообщает, нужно ли отправлять уведомления через RabbitMQ.
func (c *Config) QueueEnabled() bool {
	return c.RabbitMQURL != ""
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"Storage:\n"+
			"  MigrationsPath: %s\n"+
			"  Timeout: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"Telegram:\n"+
			"  OperatorID: %d\n"+
			"  WebhookURL: %s\n"+
			"Payments:\n"+
			"  ProviderConfigured: %t\n"+
			"  Currency: %s\n"+
			"  Term: %s\n"+
			"Sweeper:\n"+
			"  Interval: %s\n"+
			"Broadcast:\n"+
			"  DeliveryTimeout: %s\n"+
			"  Concurrency: %d\n"+
			"RabbitMQ:\n"+
			"  Enabled: %t\n",
		c.Env,
		c.MigrationsPath,
		c.StorageTimeout,
		c.AddressRedis,
		c.DB,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.IdleTimeout,
		c.OperatorID,
		c.WebhookURL,
		c.PaymentsEnabled(),
		c.Currency,
		c.Term,
		c.SweepInterval,
		c.DeliveryTimeout,
		c.Concurrency,
		c.QueueEnabled(),
	)
}
