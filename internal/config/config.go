// Package config loads and hot-reloads the supervisor's YAML
// configuration: listen addresses, registry capacity and reserved
// fraction, control-channel timing, and the catalog/account seed data,
// with ${VAR} environment substitution and an fsnotify-backed Watcher
// for picking up changes on disk without a restart.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level supervisor configuration.
type Config struct {
	Listen   ListenConfig     `yaml:"listen"`
	Pool     PoolConfig       `yaml:"pool"`
	Catalog  []DatabaseConfig `yaml:"catalog"`
	Accounts []AccountConfig  `yaml:"accounts"`
}

// ListenConfig defines where the supervisor accepts client connections and
// where the status API binds.
type ListenConfig struct {
	ClientAddr string `yaml:"client_addr"`
	APIAddr    string `yaml:"api_addr"`
}

// PoolConfig holds the registry sizing and reuse-protocol timing knobs
// spec §9's Open Questions call out as tunables rather than hardcoded.
type PoolConfig struct {
	Capacity         int           `yaml:"capacity"`
	ReservedFraction int           `yaml:"reserved_fraction"`
	WaitPollInterval time.Duration `yaml:"wait_poll_interval"`
}

// DatabaseConfig seeds the demo catalog (internal/collab.Catalog) entries
// a real server would instead read from its own system catalog.
type DatabaseConfig struct {
	ID                    int64  `yaml:"id"`
	Name                  string `yaml:"name"`
	TablespaceID          int64  `yaml:"tablespace_id"`
	HasLoginEventTriggers bool   `yaml:"has_login_event_triggers"`
}

// AccountConfig seeds the demo SCRAM authenticator
// (internal/collab.ScramAuthenticator) with one user/database/password
// triple. Password is never logged; Redacted() masks it for diagnostics.
type AccountConfig struct {
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Password string `yaml:"password"`
}

// Redacted returns a copy with Password masked, for safe logging.
func (a AccountConfig) Redacted() AccountConfig {
	c := a
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} env substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.ClientAddr == "" {
		cfg.Listen.ClientAddr = "127.0.0.1:6432"
	}
	if cfg.Listen.APIAddr == "" {
		cfg.Listen.APIAddr = "127.0.0.1:8080"
	}
	if cfg.Pool.Capacity == 0 {
		cfg.Pool.Capacity = 64
	}
	if cfg.Pool.ReservedFraction == 0 {
		cfg.Pool.ReservedFraction = 4
	}
	if cfg.Pool.WaitPollInterval == 0 {
		cfg.Pool.WaitPollInterval = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Pool.Capacity < 0 {
		return fmt.Errorf("pool.capacity must not be negative")
	}
	seen := make(map[int64]bool, len(cfg.Catalog))
	for _, db := range cfg.Catalog {
		if db.Name == "" {
			return fmt.Errorf("catalog entry %d: name is required", db.ID)
		}
		if seen[db.ID] {
			return fmt.Errorf("catalog entry %d: duplicate id", db.ID)
		}
		seen[db.ID] = true
	}
	return nil
}

// Watcher watches the config file for changes and calls back with the
// newly-parsed config, debounced to coalesce the burst of fs events a
// single save can trigger.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
