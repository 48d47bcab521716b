package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBPath   string `env:"DB_PATH"   envDefault:"db.sqlite"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisAddr        string `env:"REDIS_ADDR"         envDefault:"localhost:6379"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB"           envDefault:"0"`
	QueueName        string `env:"QUEUE_NAME"         envDefault:"boardwatch:scan"`
	QueueConsumer    string `env:"QUEUE_CONSUMER"`
	QueueWorkers     int    `env:"QUEUE_WORKERS"      envDefault:"4"`
	QueueMaxAttempts int    `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`

	ScheduleHours           []int  `env:"SCHEDULE_HOURS"             envDefault:"9,13,18"`
	ScheduleTZName          string `env:"SCHEDULE_TZ_NAME"           envDefault:"KST"`
	ScheduleTZOffsetSeconds int    `env:"SCHEDULE_TZ_OFFSET_SECONDS" envDefault:"32400"`

	FetchMaxPages int           `env:"FETCH_MAX_PAGES" envDefault:"5"`
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT"   envDefault:"30s"`
	FetchBrowser  bool          `env:"FETCH_BROWSER"   envDefault:"false"`

	SendDelay   time.Duration `env:"SEND_DELAY"   envDefault:"300ms"`
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`

	TelegramToken     string `env:"TELEGRAM_TOKEN"`
	KakaoClientID     string `env:"KAKAO_CLIENT_ID"`
	KakaoClientSecret string `env:"KAKAO_CLIENT_SECRET"`
	ExpoAccessToken   string `env:"EXPO_ACCESS_TOKEN"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`

	EmptyScanAlertThreshold int    `env:"EMPTY_SCAN_ALERT_THRESHOLD" envDefault:"6"`
	MetricsAddr             string `env:"METRICS_ADDR"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if len(c.ScheduleHours) == 0 {
		return fmt.Errorf("SCHEDULE_HOURS is empty")
	}

	for _, h := range c.ScheduleHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("SCHEDULE_HOURS has invalid hour %d", h)
		}
	}

	if c.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.QueueWorkers)
	}

	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.QueueMaxAttempts)
	}

	return nil
}

// Location is the fixed civil zone the schedule hours are expressed in.
func (c Config) Location() *time.Location {
	return time.FixedZone(c.ScheduleTZName, c.ScheduleTZOffsetSeconds)
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
