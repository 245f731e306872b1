// Package hostconfig loads host settings from defaults, an optional
// modhost.{yaml,json,toml} file and MODHOST_* environment variables.
package hostconfig

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/internal/inject"
	"github.com/FocuswithJustin/modhost/internal/logging"
	"github.com/FocuswithJustin/modhost/internal/modconfig"
)

const (
	// ConfigFileName is the settings file name without extension.
	ConfigFileName = "modhost"
	// EnvPrefix prefixes environment overrides, e.g. MODHOST_LOG_LEVEL.
	EnvPrefix = "MODHOST"
	// JournalFile is the revision journal inside DataDir.
	JournalFile = "journal.db"
)

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config holds the host settings.
type Config struct {
	Authority  string `mapstructure:"authority"`
	AllowHTTP  bool   `mapstructure:"allowHTTP"`
	ModulesDir string `mapstructure:"modulesDir"`
	ConfigDir  string `mapstructure:"configDir"`
	DataDir    string `mapstructure:"dataDir"`
	// SystemRoot enables the /.sys/ mount when set.
	SystemRoot string `mapstructure:"systemRoot"`
	// SuCommand, when set, reads system files through `<cmd> -c cat`.
	SuCommand       string   `mapstructure:"suCommand"`
	CSP             string   `mapstructure:"csp"`
	Caching         bool     `mapstructure:"caching"`
	CacheExtensions []string `mapstructure:"cacheExtensions"`
	CacheMaxAge     int      `mapstructure:"cacheMaxAge"`
	ListStrategy    string   `mapstructure:"listStrategy"`
	Workers         int      `mapstructure:"workers"`
	Port            int      `mapstructure:"port"`
	// TrustForwardedProto is set behind a TLS-terminating proxy.
	TrustForwardedProto bool      `mapstructure:"trustForwardedProto"`
	Log                 LogConfig `mapstructure:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Authority:       "modhost.local",
		ModulesDir:      "modules",
		ConfigDir:       "config",
		DataDir:         "data",
		CSP:             inject.ModuleCSPConfig().BuildCSPHeader(),
		Caching:         true,
		CacheExtensions: inject.DefaultCacheExtensions,
		CacheMaxAge:     inject.DefaultCacheMaxAge,
		ListStrategy:    "replace",
		Workers:         4,
		Port:            8080,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load resolves the settings. An explicit file must exist; otherwise
// modhost.* is looked up in each of searchDirs and a missing file is not an
// error.
func Load(file string, searchDirs ...string) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("authority", d.Authority)
	v.SetDefault("allowHTTP", d.AllowHTTP)
	v.SetDefault("modulesDir", d.ModulesDir)
	v.SetDefault("configDir", d.ConfigDir)
	v.SetDefault("dataDir", d.DataDir)
	v.SetDefault("systemRoot", d.SystemRoot)
	v.SetDefault("suCommand", d.SuCommand)
	v.SetDefault("csp", d.CSP)
	v.SetDefault("caching", d.Caching)
	v.SetDefault("cacheExtensions", d.CacheExtensions)
	v.SetDefault("cacheMaxAge", d.CacheMaxAge)
	v.SetDefault("listStrategy", d.ListStrategy)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("port", d.Port)
	v.SetDefault("trustForwardedProto", d.TrustForwardedProto)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.NewParse("host settings", file, err.Error())
		}
	} else {
		v.SetConfigName(ConfigFileName)
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
		if len(searchDirs) > 0 {
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, apperrors.NewParse("host settings", v.ConfigFileUsed(), err.Error())
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode host settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logging.Debug("host settings loaded", "file", used)
	}
	return &cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Authority == "" {
		return apperrors.NewValidation("authority", "is required")
	}
	if strings.ContainsAny(c.Authority, "/ ") {
		return apperrors.NewValidation("authority", fmt.Sprintf("%q is not a host name", c.Authority))
	}
	if c.ModulesDir == "" {
		return apperrors.NewValidation("modulesDir", "is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return apperrors.NewValidation("port", fmt.Sprintf("%d out of range", c.Port))
	}
	if c.CacheMaxAge < 0 {
		return apperrors.NewValidation("cacheMaxAge", "must not be negative")
	}
	if _, err := configdoc.ParseListStrategy(c.ListStrategy); err != nil {
		return err
	}
	return nil
}

// Strategy returns the parsed list merge strategy.
func (c *Config) Strategy() configdoc.ListStrategy {
	s, _ := configdoc.ParseListStrategy(c.ListStrategy)
	return s
}

// JournalPath is where the revision journal lives.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, JournalFile)
}

// PackagesDir holds installed plugin packages.
func (c *Config) PackagesDir() string {
	return filepath.Join(c.DataDir, "packages")
}

// HeaderPolicy builds the response header policy.
func (c *Config) HeaderPolicy() inject.HeaderPolicy {
	return inject.HeaderPolicy{
		Authority:       c.Authority,
		CSP:             c.CSP,
		Caching:         c.Caching,
		CacheExtensions: c.CacheExtensions,
		CacheMaxAge:     c.CacheMaxAge,
	}
}

// StoreOptions builds the configuration store options. journal may be nil.
func (c *Config) StoreOptions(journal *modconfig.Journal) modconfig.Options {
	return modconfig.Options{
		ModulesDir: c.ModulesDir,
		ConfigDir:  c.ConfigDir,
		Strategy:   c.Strategy(),
		Journal:    journal,
	}
}

// LoggingOptions builds the logger options.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  logging.ParseLevel(c.Log.Level),
		Format: logging.ParseFormat(c.Log.Format),
		File:   c.Log.File,
	}
}
