// Package config holds the daemon configuration and its on-disk form.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openmined/soulsnaps/internal/storage"
	"github.com/openmined/soulsnaps/internal/synctask"
	"github.com/openmined/soulsnaps/internal/utils"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "SOULSNAPS"

	ConnectivityProbe  = "probe"
	ConnectivitySocket = "socket"
	ConnectivityManual = "manual"

	DefaultControlPlaneAddr = "localhost:7939"
	DefaultAPIURL           = "http://localhost:8080"
	DefaultSyncInterval     = 15 * time.Minute
	DefaultProbeInterval    = 30 * time.Second
	DefaultAPITimeout       = 30 * time.Second
	DefaultMaxParallelTasks = 3
	DefaultImageQuality     = 80
)

var (
	home, _            = os.UserHomeDir()
	DefaultHomeDir     = filepath.Join(home, ".soulsnaps")
	DefaultConfigPath  = filepath.Join(DefaultHomeDir, "config.json")
	DefaultDataDir     = filepath.Join(DefaultHomeDir, "data")
	DefaultLogFilePath = filepath.Join(DefaultHomeDir, "logs", "soulsync.log")
)

var envKeyReplacer = strings.NewReplacer(".", "_")

var (
	ErrNoUserID         = errors.New("config: `user_id` is required")
	ErrInvalidMode      = errors.New("config: invalid connectivity mode")
	ErrInvalidSyncValue = errors.New("config: invalid sync setting")
)

type Config struct {
	UserID       string             `json:"user_id"`
	DataDir      string             `json:"data_dir"`
	Sync         SyncConfig         `json:"sync"`
	Storage      storage.Config     `json:"storage"`
	API          APIConfig          `json:"api"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	ControlPlane ControlPlaneConfig `json:"control_plane"`
	Path         string             `json:"-"`
}

// SyncConfig tunes the sync manager and its task queue
type SyncConfig struct {
	MaxParallelTasks  int           `json:"max_parallel_tasks"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max"`
	BackoffJitter     float64       `json:"backoff_jitter"`
	MaxRetries        int           `json:"max_retries"`
	UploadCompression bool          `json:"upload_compression"`
	ImageQuality      int           `json:"image_quality"`
	PullOnStartup     bool          `json:"pull_on_startup"`
	RetryOnMetered    bool          `json:"retry_on_metered"`
	Interval          time.Duration `json:"interval"`
}

type APIConfig struct {
	BaseURL    string        `json:"base_url"`
	Token      string        `json:"token"`
	Timeout    time.Duration `json:"timeout"`
	RetryCount int           `json:"retry_count"`
}

type ConnectivityConfig struct {
	Mode     string        `json:"mode"`
	URL      string        `json:"url"`
	Interval time.Duration `json:"interval"`
	Metered  bool          `json:"metered"`
}

type ControlPlaneConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Sync: SyncConfig{
			MaxParallelTasks:  DefaultMaxParallelTasks,
			BackoffBase:       synctask.DefaultBackoffBase,
			BackoffMax:        synctask.DefaultBackoffMax,
			UploadCompression: true,
			ImageQuality:      DefaultImageQuality,
			PullOnStartup:     true,
			Interval:          DefaultSyncInterval,
		},
		API: APIConfig{
			BaseURL: DefaultAPIURL,
			Timeout: DefaultAPITimeout,
		},
		Connectivity: ConnectivityConfig{
			Mode:     ConnectivityProbe,
			Interval: DefaultProbeInterval,
		},
		ControlPlane: ControlPlaneConfig{
			Addr: DefaultControlPlaneAddr,
		},
		Path: DefaultConfigPath,
	}
}

// DBPath is the local store database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "memories.db")
}

// JournalPath is the pending task journal database
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}

// LockPath guards the data dir against a second daemon
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, ".soulsync.lock")
}

// Validate normalizes paths and checks every section
func (c *Config) Validate() error {
	if c.UserID == "" {
		return ErrNoUserID
	}

	var err error
	if c.DataDir, err = absPath(c.DataDir); err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = absPath(c.Path); err != nil {
			return fmt.Errorf("config: path: %w", err)
		}
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}

	if err := validURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("config: api base url: %w", err)
	}
	if c.API.Timeout < 0 || c.API.RetryCount < 0 {
		return fmt.Errorf("config: api timeout and retry count must not be negative")
	}

	switch c.Connectivity.Mode {
	case ConnectivityProbe:
		if c.Connectivity.URL != "" {
			if err := validURL(c.Connectivity.URL, "http", "https"); err != nil {
				return fmt.Errorf("config: connectivity url: %w", err)
			}
		}
	case ConnectivitySocket:
		if c.Connectivity.URL != "" {
			if err := validURL(c.Connectivity.URL, "http", "https", "ws", "wss"); err != nil {
				return fmt.Errorf("config: connectivity url: %w", err)
			}
		}
	case ConnectivityManual:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Connectivity.Mode)
	}

	if c.ControlPlane.Addr == "" {
		c.ControlPlane.Addr = DefaultControlPlaneAddr
	}
	return nil
}

func (s *SyncConfig) validate() error {
	switch {
	case s.MaxParallelTasks <= 0:
		return fmt.Errorf("%w: `max_parallel_tasks` must be positive", ErrInvalidSyncValue)
	case s.BackoffBase <= 0:
		return fmt.Errorf("%w: `backoff_base` must be positive", ErrInvalidSyncValue)
	case s.BackoffMax < s.BackoffBase:
		return fmt.Errorf("%w: `backoff_max` must not be below `backoff_base`", ErrInvalidSyncValue)
	case s.BackoffJitter < 0 || s.BackoffJitter > synctask.MaxJitter:
		return fmt.Errorf("%w: `backoff_jitter` must be within [0,%g]", ErrInvalidSyncValue, synctask.MaxJitter)
	case s.MaxRetries < 0:
		return fmt.Errorf("%w: `max_retries` must not be negative", ErrInvalidSyncValue)
	case s.ImageQuality < 1 || s.ImageQuality > 100:
		return fmt.Errorf("%w: `image_quality` must be within [1,100]", ErrInvalidSyncValue)
	case s.Interval <= 0:
		return fmt.Errorf("%w: `interval` must be positive", ErrInvalidSyncValue)
	}
	return nil
}

// Save writes the config as JSON. Durations are written in their string form.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	v := viper.New()
	for key, value := range c.settings() {
		v.Set(key, value)
	}
	v.SetConfigType("json")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}

// Load reads a config file, applying SOULSNAPS_* environment overrides on
// top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	BindDefaults(v)
	BindEnv(v)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	cfg := FromViper(v)
	cfg.Path = path
	return cfg, nil
}

// BindDefaults registers the default of every known key
func BindDefaults(v *viper.Viper) {
	for key, value := range Default().settings() {
		v.SetDefault(key, value)
	}
}

// BindEnv maps sync.backoff_base to SOULSNAPS_SYNC_BACKOFF_BASE and so on
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
}

// FromViper builds a config from the keys known to v
func FromViper(v *viper.Viper) *Config {
	return &Config{
		UserID:  v.GetString("user_id"),
		DataDir: v.GetString("data_dir"),
		Sync: SyncConfig{
			MaxParallelTasks:  v.GetInt("sync.max_parallel_tasks"),
			BackoffBase:       v.GetDuration("sync.backoff_base"),
			BackoffMax:        v.GetDuration("sync.backoff_max"),
			BackoffJitter:     v.GetFloat64("sync.backoff_jitter"),
			MaxRetries:        v.GetInt("sync.max_retries"),
			UploadCompression: v.GetBool("sync.upload_compression"),
			ImageQuality:      v.GetInt("sync.image_quality"),
			PullOnStartup:     v.GetBool("sync.pull_on_startup"),
			RetryOnMetered:    v.GetBool("sync.retry_on_metered"),
			Interval:          v.GetDuration("sync.interval"),
		},
		Storage: storage.Config{
			BucketName: v.GetString("storage.bucket"),
			Region:     v.GetString("storage.region"),
			AccessKey:  v.GetString("storage.access_key"),
			SecretKey:  v.GetString("storage.secret_key"),
			Endpoint:   v.GetString("storage.endpoint"),
		},
		API: APIConfig{
			BaseURL:    v.GetString("api.base_url"),
			Token:      v.GetString("api.token"),
			Timeout:    v.GetDuration("api.timeout"),
			RetryCount: v.GetInt("api.retry_count"),
		},
		Connectivity: ConnectivityConfig{
			Mode:     v.GetString("connectivity.mode"),
			URL:      v.GetString("connectivity.url"),
			Interval: v.GetDuration("connectivity.interval"),
			Metered:  v.GetBool("connectivity.metered"),
		},
		ControlPlane: ControlPlaneConfig{
			Addr:  v.GetString("control_plane.addr"),
			Token: v.GetString("control_plane.token"),
		},
		Path: v.ConfigFileUsed(),
	}
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"user_id":                 c.UserID,
		"data_dir":                c.DataDir,
		"sync.max_parallel_tasks": c.Sync.MaxParallelTasks,
		"sync.backoff_base":       c.Sync.BackoffBase.String(),
		"sync.backoff_max":        c.Sync.BackoffMax.String(),
		"sync.backoff_jitter":     c.Sync.BackoffJitter,
		"sync.max_retries":        c.Sync.MaxRetries,
		"sync.upload_compression": c.Sync.UploadCompression,
		"sync.image_quality":      c.Sync.ImageQuality,
		"sync.pull_on_startup":    c.Sync.PullOnStartup,
		"sync.retry_on_metered":   c.Sync.RetryOnMetered,
		"sync.interval":           c.Sync.Interval.String(),
		"storage.bucket":          c.Storage.BucketName,
		"storage.region":          c.Storage.Region,
		"storage.access_key":      c.Storage.AccessKey,
		"storage.secret_key":      c.Storage.SecretKey,
		"storage.endpoint":        c.Storage.Endpoint,
		"api.base_url":            c.API.BaseURL,
		"api.token":               c.API.Token,
		"api.timeout":             c.API.Timeout.String(),
		"api.retry_count":         c.API.RetryCount,
		"connectivity.mode":       c.Connectivity.Mode,
		"connectivity.url":        c.Connectivity.URL,
		"connectivity.interval":   c.Connectivity.Interval.String(),
		"connectivity.metered":    c.Connectivity.Metered,
		"control_plane.addr":      c.ControlPlane.Addr,
		"control_plane.token":     c.ControlPlane.Token,
	}
}

func absPath(p string) (string, error) {
	p, err := utils.ResolvePath(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

func validURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
