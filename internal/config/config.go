// Package config loads the desktop client's runtime configuration and
// the account/collection list the core syncs against. Account and
// collection persistence is a collaborator concern (the
// core never guesses at on-disk layout beyond this loader); everything
// else here is ambient process configuration in the familiar
// getenv-with-default idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/calyx-cal/calyxcore/internal/model"
)

type HTTPConfig struct {
	Timeout     time.Duration
	MaxICSBytes int64
}

type StorageConfig struct {
	DataDir string // per-user data directory: index.db, ics/, sync.log, accounts.json
}

type Config struct {
	HTTP     HTTPConfig
	Storage  StorageConfig
	ICS      ICSConfig
	LogLevel string
	ClientID string // stable "@…" suffix identifying this client in generated UIDs
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func defaultDataDir() string {
	if dir := os.Getenv("CALYX_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "calyx")
}

// Load reads process configuration from the environment, matching the
// teacher's getenv-with-default loader.
func Load() (*Config, error) {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:     getenvDuration("CALYX_HTTP_TIMEOUT", 30*time.Second),
			MaxICSBytes: getenvInt64("CALYX_MAX_ICS_BYTES", 1<<20),
		},
		Storage: StorageConfig{
			DataDir: getenv("CALYX_DATA_DIR", defaultDataDir()),
		},
		ICS: ICSConfig{
			CompanyName: getenv("CALYX_ICS_COMPANY", "Calyx"),
			ProductName: getenv("CALYX_ICS_PRODUCT", "Calyx Calendar"),
			Version:     getenv("CALYX_ICS_VERSION", "1.0.0"),
			Language:    getenv("CALYX_ICS_LANGUAGE", "EN"),
		},
		LogLevel: getenv("CALYX_LOG_LEVEL", "info"),
		ClientID: getenv("CALYX_CLIENT_ID", "calyx-desktop"),
	}, nil
}

func (c *Config) IndexPath() string { return filepath.Join(c.Storage.DataDir, "index.db") }
func (c *Config) ICSDir() string    { return filepath.Join(c.Storage.DataDir, "ics") }
func (c *Config) SyncLogPath() string {
	return filepath.Join(c.Storage.DataDir, "sync.log")
}
func (c *Config) accountsPath() string {
	return filepath.Join(c.Storage.DataDir, "accounts.json")
}

// AccountConfig is the persisted form of model.Account plus its
// nested collections.
type AccountConfig struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	ServerURL   string             `json:"serverUrl"`
	Username    string             `json:"username"`
	Password    string             `json:"password"`
	Enabled     bool               `json:"enabled"`
	HomeURL     string             `json:"homeUrl,omitempty"`
	Collections []CollectionConfig `json:"collections"`
}

type CollectionConfig struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Enabled    bool   `json:"enabled"`
	SourceKind string `json:"sourceKind"` // "caldav" | "ics-subscription"
}

// LoadAccounts reads accounts.json from the data directory. A missing
// file is not an error: it means no accounts have been configured yet.
func (c *Config) LoadAccounts() ([]AccountConfig, error) {
	data, err := os.ReadFile(c.accountsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var accounts []AccountConfig
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	return accounts, nil
}

// SaveAccounts atomically rewrites accounts.json.
func (c *Config) SaveAccounts(accounts []AccountConfig) error {
	if err := os.MkdirAll(c.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	tmp := c.accountsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts: %w", err)
	}
	return os.Rename(tmp, c.accountsPath())
}

// ToModel converts the persisted form into the core's Account/
// Collection model.
func (a AccountConfig) ToModel() (model.Account, []model.Collection) {
	acct := model.Account{
		ID:         a.ID,
		Name:       a.Name,
		ServerURL:  a.ServerURL,
		Username:   a.Username,
		Password:   a.Password,
		Enabled:    a.Enabled,
		HomeSetURL: a.HomeURL,
	}
	cols := make([]model.Collection, 0, len(a.Collections))
	for _, cc := range a.Collections {
		kind := model.SourceCalDAV
		if cc.SourceKind == string(model.SourceICSSubscription) {
			kind = model.SourceICSSubscription
		}
		cols = append(cols, model.Collection{
			ID:         cc.ID,
			AccountID:  a.ID,
			URL:        cc.URL,
			Name:       cc.Name,
			Color:      cc.Color,
			Enabled:    cc.Enabled,
			SourceKind: kind,
		})
	}
	return acct, cols
}
