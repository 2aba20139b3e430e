// Package config loads syncal settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all settings. Every field maps to an upper-cased environment
// variable, e.g. sync.workers -> SYNC_WORKERS.
type Config struct {
	Google          GoogleConfig   `mapstructure:"google"`
	ICloud          ICloudConfig   `mapstructure:"icloud"`
	Database        DatabaseConfig `mapstructure:"database"`
	Sync            SyncConfig     `mapstructure:"sync"`
	Reminder        ReminderConfig `mapstructure:"reminder"`
	Log             LogConfig      `mapstructure:"log"`
	PrimaryTimezone string         `mapstructure:"primary_timezone" default:"UTC"`
}

// GoogleConfig configures the Google Calendar provider.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Account      string `mapstructure:"account" default:"default"`
	CalendarID   string `mapstructure:"calendar_id" default:"primary"`
}

// ICloudConfig configures the CalDAV provider.
type ICloudConfig struct {
	Username            string `mapstructure:"username"`
	AppSpecificPassword string `mapstructure:"app_specific_password"`
	CalendarName        string `mapstructure:"calendar_name"`
	Endpoint            string `mapstructure:"endpoint" default:"https://caldav.icloud.com/"`
}

// DatabaseConfig configures the mapping store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" default:"data/syncal.db"`
}

// SyncConfig tunes sync runs.
type SyncConfig struct {
	UserID          string        `mapstructure:"user_id" default:"default"`
	Days            int           `mapstructure:"days" default:"7"`
	Workers         int           `mapstructure:"workers" default:"4"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed" default:"30s"`
	DryRun          bool          `mapstructure:"dry_run" default:"false"`
}

// ReminderConfig tunes the reminder scheduler.
type ReminderConfig struct {
	Grace       time.Duration `mapstructure:"grace" default:"0s"`
	DefaultLead int           `mapstructure:"default_lead" default:"0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" default:"info"`
}

// Load reads dir/.env if present, then the environment.
func Load(dir string) (*Config, error) {
	envPath := ".env"
	if dir != "" && dir != "." {
		envPath = dir + "/.env"
	}
	// A missing .env is normal outside development.
	_ = godotenv.Load(envPath)

	v := viper.New()
	bindValues(v, Config{}, "")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Sync.Workers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.Days < 1 {
		return fmt.Errorf("SYNC_DAYS must be at least 1, got %d", c.Sync.Days)
	}
	if c.Reminder.DefaultLead < 0 {
		return fmt.Errorf("REMINDER_DEFAULT_LEAD must not be negative, got %d", c.Reminder.DefaultLead)
	}
	if _, err := time.LoadLocation(c.PrimaryTimezone); err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", c.PrimaryTimezone, err)
	}
	return nil
}

// Location returns the primary timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.PrimaryTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// bindValues walks the struct and registers every mapstructure key with its
// `default` tag so AutomaticEnv can resolve it during Unmarshal.
func bindValues(v *viper.Viper, iface any, prefix string) {
	t := reflect.TypeOf(iface)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			bindValues(v, reflect.New(field.Type).Elem().Interface(), key)
			continue
		}

		v.SetDefault(key, field.Tag.Get("default"))
	}
}
