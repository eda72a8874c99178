package config

import (
	"errors"
	"strings"

	"github.com/rpattn/chronicle/internal/db"
	"github.com/rpattn/chronicle/internal/domain"

	"github.com/spf13/viper"
)

// Config is the process configuration.
type Config struct {
	Database  db.Config
	Server    ServerConfig
	Changelog ChangelogConfig
	Log       LogConfig
	Labels    Labels
	// Types are the versioned entity types registered at startup.
	Types []domain.EntityType
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// ChangelogConfig holds changelog query defaults.
type ChangelogConfig struct {
	PageSize    int
	MaxPageSize int
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Mode string
}

// Labels are the display strings used by diff rendering.
type Labels struct {
	Created string
	Edited  string
	Deleted string
	Empty   string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Changelog: ChangelogConfig{PageSize: 50, MaxPageSize: 500},
		Log:       LogConfig{Mode: "development"},
		Labels: Labels{
			Created: "Created",
			Edited:  "Edited",
			Deleted: "Deleted",
			Empty:   "Empty",
		},
	}
}

// Load reads config.yaml from configPath (optional) and CHRONICLE_* environment
// overrides on top of Default. The returned flag reports whether a file was read.
func Load(configPath string) (Config, bool, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("CHRONICLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"database.host", "database.port", "database.user", "database.password", "database.dbname", "database.sslmode",
		"server.addr", "server.allowed_origins",
		"changelog.page_size", "changelog.max_page_size",
		"log.mode",
		"labels.created", "labels.edited", "labels.deleted", "labels.empty",
	} {
		_ = v.BindEnv(key)
	}

	loaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, false, err
		}
		loaded = false
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if v.IsSet("changelog.page_size") {
		cfg.Changelog.PageSize = v.GetInt("changelog.page_size")
	}
	if v.IsSet("changelog.max_page_size") {
		cfg.Changelog.MaxPageSize = v.GetInt("changelog.max_page_size")
	}

	if v.IsSet("log.mode") {
		cfg.Log.Mode = v.GetString("log.mode")
	}

	if v.IsSet("labels.created") {
		cfg.Labels.Created = v.GetString("labels.created")
	}
	if v.IsSet("labels.edited") {
		cfg.Labels.Edited = v.GetString("labels.edited")
	}
	if v.IsSet("labels.deleted") {
		cfg.Labels.Deleted = v.GetString("labels.deleted")
	}
	if v.IsSet("labels.empty") {
		cfg.Labels.Empty = v.GetString("labels.empty")
	}

	if v.IsSet("types") {
		if err := v.UnmarshalKey("types", &cfg.Types); err != nil {
			return cfg, loaded, err
		}
	}

	return cfg, loaded, nil
}
