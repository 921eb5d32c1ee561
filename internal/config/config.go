package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	ERP struct {
		BaseURL string        `validate:"required,url"`
		APIID   string        `validate:"required"`
		APIKey  string        `validate:"required"`
		Timeout time.Duration `validate:"gt=0"`
	}
	Retry struct {
		MaxRetries     int           `validate:"gte=0,lte=20"`
		BaseDelay      time.Duration `validate:"gte=0"`
		MaxDelay       time.Duration `validate:"gtefield=BaseDelay"`
		Exponential    bool
		RetryableKinds string `validate:"required"`
	}
	Storage struct {
		Driver string `validate:"required,oneof=sqlite postgres"`
		Path   string `validate:"required_if=Driver sqlite"`
		DSN    string `validate:"required_if=Driver postgres"`
	}
	Redis struct {
		URL string `validate:"omitempty,url"`
	}
	Telegram struct {
		Token   string
		ChatIDs string
	}
	HTTP struct {
		Addr         string `validate:"required"`
		WebhookToken string
	}
	Sync struct {
		ReplaySchedule string        `validate:"required"`
		ReplayBatch    int           `validate:"gt=0"`
		DeferBaseDelay time.Duration `validate:"gt=0"`
		DeferMaxDelay  time.Duration `validate:"gtefield=DeferBaseDelay"`
		MaxAttempts    int           `validate:"gt=0"`
		AdoptExisting  bool
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var (
		c    Config
		errs []error
	)
	c.Env = getenv("ENV", "prod")

	c.ERP.BaseURL = os.Getenv("ERP_BASE_URL")
	c.ERP.APIID = os.Getenv("ERP_API_ID")
	c.ERP.APIKey = os.Getenv("ERP_API_KEY")
	c.ERP.Timeout = getduration("ERP_TIMEOUT", 30*time.Second, &errs)

	def := retry.DefaultConfig()
	c.Retry.MaxRetries = getint("RETRY_MAX_RETRIES", def.MaxRetries, &errs)
	c.Retry.BaseDelay = getduration("RETRY_BASE_DELAY", def.BaseDelay, &errs)
	c.Retry.MaxDelay = getduration("RETRY_MAX_DELAY", def.MaxDelay, &errs)
	c.Retry.Exponential = getbool("RETRY_EXPONENTIAL", def.UseExponentialBackoff, &errs)
	c.Retry.RetryableKinds = getenv("RETRY_RETRYABLE_KINDS", def.RetryableKinds.String())

	c.Storage.Driver = strings.ToLower(getenv("STORAGE_DRIVER", "sqlite"))
	c.Storage.Path = getenv("SQLITE_PATH", "data/erpsync.db")
	c.Storage.DSN = os.Getenv("POSTGRES_DSN")

	c.Redis.URL = os.Getenv("REDIS_URL")

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatIDs = os.Getenv("TELEGRAM_ALERT_CHAT_IDS")

	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.HTTP.WebhookToken = os.Getenv("WEBHOOK_TOKEN")

	c.Sync.ReplaySchedule = getenv("SYNC_REPLAY_SCHEDULE", "@every 1m")
	c.Sync.ReplayBatch = getint("SYNC_REPLAY_BATCH", 50, &errs)
	c.Sync.DeferBaseDelay = getduration("SYNC_DEFER_BASE_DELAY", time.Minute, &errs)
	c.Sync.DeferMaxDelay = getduration("SYNC_DEFER_MAX_DELAY", time.Hour, &errs)
	c.Sync.MaxAttempts = getint("SYNC_MAX_ATTEMPTS", 10, &errs)
	c.Sync.AdoptExisting = getbool("SYNC_ADOPT_EXISTING", true, &errs)

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/erpsync.log")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := shared.ParseKindSet(c.Retry.RetryableKinds); err != nil {
		return fmt.Errorf("RETRY_RETRYABLE_KINDS: %w", err)
	}
	if (c.Telegram.Token == "") != (c.Telegram.ChatIDs == "") {
		return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_ALERT_CHAT_IDS must be set together")
	}
	return nil
}

// RetryConfig builds the orchestrator configuration. Logger and hooks are
// left for the caller.
func (c Config) RetryConfig() retry.Config {
	kinds, _ := shared.ParseKindSet(c.Retry.RetryableKinds)
	return retry.Config{
		MaxRetries:            c.Retry.MaxRetries,
		BaseDelay:             c.Retry.BaseDelay,
		MaxDelay:              c.Retry.MaxDelay,
		UseExponentialBackoff: c.Retry.Exponential,
		RetryableKinds:        kinds,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getbool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func getduration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}
