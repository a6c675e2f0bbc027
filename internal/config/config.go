// Package config loads sheetsync settings from a YAML file, SHEETSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend kinds.
const (
	BackendSheets = "sheets"
	BackendSQLite = "sqlite"
)

// Config is the full sheetsync configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Remote    Remote    `mapstructure:"remote" yaml:"remote"`
	Sync      Sync      `mapstructure:"sync" yaml:"sync"`
	Dashboard Dashboard `mapstructure:"dashboard" yaml:"dashboard"`
	Log       Log       `mapstructure:"log" yaml:"log"`
}

// Remote selects and configures the remote datastore.
type Remote struct {
	// Backend is "sheets" or "sqlite".
	Backend         string            `mapstructure:"backend" yaml:"backend"`
	SpreadsheetID   string            `mapstructure:"spreadsheet_id" yaml:"spreadsheet_id"`
	CredentialsFile string            `mapstructure:"credentials_file" yaml:"credentials_file"`
	SQLitePath      string            `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	BackupSheet     string            `mapstructure:"backup_sheet" yaml:"backup_sheet"`
	Sheets          map[string]string `mapstructure:"sheets" yaml:"sheets"`
}

// Sync configures the flush scheduler.
type Sync struct {
	FlushInterval     time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	LogUploadInterval time.Duration `mapstructure:"log_upload_interval" yaml:"log_upload_interval"`
	BatchLimit        int           `mapstructure:"batch_limit" yaml:"batch_limit"`
	WatchFiles        bool          `mapstructure:"watch_files" yaml:"watch_files"`
}

// Dashboard configures the operator dashboard.
type Dashboard struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr       string `mapstructure:"addr" yaml:"addr"`
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

// Log configures logging.
type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sheets := make(map[string]string)
	for t, name := range remote.DefaultSheets() {
		sheets[string(t)] = name
	}
	return &Config{
		DataDir: "store",
		Remote: Remote{
			Backend:     BackendSheets,
			SQLitePath:  "sheetsync.db",
			Timeout:     30 * time.Second,
			BackupSheet: "backup",
			Sheets:      sheets,
		},
		Sync: Sync{
			FlushInterval:     10 * time.Second,
			LogUploadInterval: time.Hour,
		},
		Dashboard: Dashboard{
			Addr: ":8080",
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration. An empty path searches the working directory
// for sheetsync.yaml; a missing default file is not an error. Flags that
// were set override everything else.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("SHEETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sheetsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagKeys maps config keys to the command-line flags that may set them.
var flagKeys = map[string]string{
	"data_dir":           "data-dir",
	"remote.backend":     "backend",
	"remote.sqlite_path": "sqlite-path",
	"dashboard.enabled":  "dashboard",
	"dashboard.addr":     "dashboard-addr",
	"log.level":          "log-level",
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.backend", d.Remote.Backend)
	v.SetDefault("remote.spreadsheet_id", d.Remote.SpreadsheetID)
	v.SetDefault("remote.credentials_file", d.Remote.CredentialsFile)
	v.SetDefault("remote.sqlite_path", d.Remote.SQLitePath)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.backup_sheet", d.Remote.BackupSheet)
	v.SetDefault("remote.sheets", d.Remote.Sheets)
	v.SetDefault("sync.flush_interval", d.Sync.FlushInterval)
	v.SetDefault("sync.log_upload_interval", d.Sync.LogUploadInterval)
	v.SetDefault("sync.batch_limit", d.Sync.BatchLimit)
	v.SetDefault("sync.watch_files", d.Sync.WatchFiles)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("dashboard.admin_token", d.Dashboard.AdminToken)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.json", d.Log.JSON)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.Remote.Backend {
	case BackendSheets:
		if c.Remote.SpreadsheetID == "" {
			return errors.New("remote.spreadsheet_id is required for the sheets backend")
		}
	case BackendSQLite:
		if c.Remote.SQLitePath == "" {
			return errors.New("remote.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("remote.backend %q must be %q or %q", c.Remote.Backend, BackendSheets, BackendSQLite)
	}
	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}
	if c.Sync.FlushInterval <= 0 {
		return errors.New("sync.flush_interval must be positive")
	}
	if c.Sync.LogUploadInterval <= 0 {
		return errors.New("sync.log_upload_interval must be positive")
	}
	if c.Sync.BatchLimit < 0 {
		return errors.New("sync.batch_limit cannot be negative")
	}
	for name := range c.Remote.Sheets {
		if _, err := schema.ParseTable(name); err != nil {
			return fmt.Errorf("remote.sheets: %w", err)
		}
	}
	return nil
}

// SheetMap returns the remote sheet names keyed by table.
func (c *Config) SheetMap() map[schema.Table]string {
	out := remote.DefaultSheets()
	for name, sheet := range c.Remote.Sheets {
		if t, err := schema.ParseTable(name); err == nil && sheet != "" {
			out[t] = sheet
		}
	}
	return out
}
