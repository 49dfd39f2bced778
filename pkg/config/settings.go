package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings      `mapstructure:"database"`
	Hub           HubSettings     `mapstructure:"hub"`
	Webhook       WebhookSettings `mapstructure:"webhook"`
	ERP           ErpSettings     `mapstructure:"erp"`
	Dedup         DedupSettings   `mapstructure:"dedup"`
	Retry         RetrySettings   `mapstructure:"retry"`
	PollInterval  time.Duration   `mapstructure:"poll_interval"`
	BatchSize     int             `mapstructure:"batch_size"`
	Workers       int             `mapstructure:"workers"`
	StaleInFlight time.Duration   `mapstructure:"stale_in_flight"`
	Observability Observability   `mapstructure:"observability"`
}

type WebhookSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type DedupSettings struct {
	// Window bounds the cross-channel duplicate search; repeats of the
	// same (event_id, channel) pair are absorbed regardless of it.
	Window time.Duration `mapstructure:"window"`
}

type RetrySettings struct {
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("bridge")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "bridge."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like BRIDGE_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("hub.type")
	viper.BindEnv("hub.url")
	viper.BindEnv("hub.queue")
	viper.BindEnv("hub.projectID")
	viper.BindEnv("hub.subscription")
	viper.BindEnv("webhook.addr")
	viper.BindEnv("erp.url")
	viper.BindEnv("erp.database")
	viper.BindEnv("erp.username")
	viper.BindEnv("erp.password")
	viper.BindEnv("erp.timeout")
	viper.BindEnv("dedup.window")
	viper.BindEnv("retry.base_backoff")
	viper.BindEnv("retry.max_backoff")
	viper.BindEnv("retry.max_attempts")
	viper.BindEnv("retry.poll_interval")
	viper.BindEnv("poll_interval")
	viper.BindEnv("batch_size")
	viper.BindEnv("workers")
	viper.BindEnv("stale_in_flight")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func (c *Settings) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.StaleInFlight <= 0 {
		c.StaleInFlight = 5 * time.Minute
	}
	if c.Dedup.Window <= 0 {
		c.Dedup.Window = 10 * time.Minute
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = 2 * time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 10 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.PollInterval <= 0 {
		c.Retry.PollInterval = 5 * time.Second
	}
	if c.ERP.Timeout <= 0 {
		c.ERP.Timeout = 30 * time.Second
	}
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
