package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	MLLPAddr    string `mapstructure:"MLLP_ADDR"`
	InboxDir    string `mapstructure:"INBOX_DIR"`
	MappingFile string `mapstructure:"MAPPING_FILE"`

	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL"`
	SendTimeout      time.Duration `mapstructure:"SEND_TIMEOUT"`
	RetryBase        time.Duration `mapstructure:"RETRY_BASE"`
	RetryMax         time.Duration `mapstructure:"RETRY_MAX"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`

	ERPBaseURL   string `mapstructure:"ERP_BASE_URL"`
	ERPAPIKey    string `mapstructure:"ERP_API_KEY"`
	ERPAPISecret string `mapstructure:"ERP_API_SECRET"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`

	MaintenanceCron string `mapstructure:"MAINTENANCE_CRON"`
	RetentionDays   int    `mapstructure:"RETENTION_DAYS"`

	CloseResponsible string `mapstructure:"CLOSE_RESPONSIBLE"`
	CloseNotes       string `mapstructure:"CLOSE_NOTES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MLLP_ADDR", "0.0.0.0:5002")
	v.SetDefault("INBOX_DIR", "./inbox")
	v.SetDefault("MAPPING_FILE", "./config/mapping.json")
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("SEND_TIMEOUT", "30s")
	v.SetDefault("RETRY_BASE", "30s")
	v.SetDefault("RETRY_MAX", "30m")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("MAINTENANCE_CRON", "0 3 * * *")
	v.SetDefault("RETENTION_DAYS", 0)
	v.SetDefault("CLOSE_RESPONSIBLE", "PENDIENTEVALIDAR")
	v.SetDefault("CLOSE_NOTES", "Enviado desde integracion")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MLLP_ADDR")
	v.BindEnv("INBOX_DIR")
	v.BindEnv("MAPPING_FILE")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("SEND_TIMEOUT")
	v.BindEnv("RETRY_BASE")
	v.BindEnv("RETRY_MAX")
	v.BindEnv("RETRY_MAX_ATTEMPTS")
	v.BindEnv("ERP_BASE_URL")
	v.BindEnv("ERP_API_KEY")
	v.BindEnv("ERP_API_SECRET")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("MAINTENANCE_CRON")
	v.BindEnv("RETENTION_DAYS")
	v.BindEnv("CLOSE_RESPONSIBLE")
	v.BindEnv("CLOSE_NOTES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// mode the ERP endpoint, its credentials, and the operator API secret are all
// required so that results cannot be silently dropped or the API left open.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry window invalid: RETRY_BASE=%s RETRY_MAX=%s", c.RetryBase, c.RetryMax)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.IsDev() {
		return nil
	}
	if c.ERPBaseURL == "" {
		return fmt.Errorf("ERP_BASE_URL is required outside development")
	}
	if c.ERPAPIKey == "" || c.ERPAPISecret == "" {
		return fmt.Errorf("ERP_API_KEY and ERP_API_SECRET are required outside development")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required outside development")
	}
	return nil
}
