package runtime

// Runtime monitor-policy configuration with hot reload. A YAML file carries
// the thresholds and failover tuning; edits are picked up by an fsnotify
// watcher, validated, checksummed and pushed to the controller without a
// restart.

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/99souls/mswitch/controller/internal/policy"
)

// RuntimeConfig is the on-disk document.
type RuntimeConfig struct {
	Version   string               `yaml:"version"`
	UpdatedAt time.Time            `yaml:"updated_at"`
	Monitor   policy.MonitorPolicy `yaml:"monitor"`
	Checksum  string               `yaml:"checksum,omitempty"`
}

// Validator inspects a candidate configuration before it is accepted.
type Validator interface {
	Validate(cfg *RuntimeConfig) error
}

// ConfigManager loads, validates and persists the runtime configuration.
type ConfigManager struct {
	path string

	mu         sync.RWMutex
	current    *RuntimeConfig
	validators []Validator
}

// NewConfigManager creates a manager for path. A missing file is not an
// error; defaults apply until one appears.
func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{path: path, current: &RuntimeConfig{Monitor: policy.Default()}}
	m.AddValidator(defaultValidator{})
	return m
}

// AddValidator registers an additional validator.
func (m *ConfigManager) AddValidator(v Validator) {
	m.mu.Lock()
	m.validators = append(m.validators, v)
	m.mu.Unlock()
}

// Load reads the file into the current configuration.
func (m *ConfigManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.current = &RuntimeConfig{UpdatedAt: time.Now(), Monitor: policy.Default()}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runtime config: %w", err)
	}
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse runtime config: %w", err)
	}
	cfg.Monitor = cfg.Monitor.Normalize()
	if err := m.validateLocked(&cfg); err != nil {
		return err
	}
	m.current = &cfg
	return nil
}

// Update validates, stamps and persists a new configuration.
func (m *ConfigManager) Update(cfg *RuntimeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validateLocked(cfg); err != nil {
		return fmt.Errorf("runtime config validation: %w", err)
	}
	cfg.UpdatedAt = time.Now()
	cfg.Checksum = checksum(cfg)
	m.current = cfg
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(m.path, data, 0o644)
}

// Current returns a copy of the active configuration.
func (m *ConfigManager) Current() RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

func (m *ConfigManager) validateLocked(cfg *RuntimeConfig) error {
	for _, v := range m.validators {
		if err := v.Validate(cfg); err != nil {
			return err
		}
	}
	return nil
}

func checksum(cfg *RuntimeConfig) string {
	cpy := *cfg
	cpy.Checksum = ""
	data, _ := json.Marshal(cpy)
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

type defaultValidator struct{}

func (defaultValidator) Validate(cfg *RuntimeConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil runtime config")
	}
	t := cfg.Monitor.Thresholds
	if t.StreamLoss < 0 || t.PIDLoss < 0 || t.Black < 0 {
		return fmt.Errorf("negative threshold duration")
	}
	if t.PacketLossPercent < 0 || t.PacketLossPercent > 100 {
		return fmt.Errorf("packet_loss_percent out of range: %v", t.PacketLossPercent)
	}
	if p := cfg.Monitor.Revert.Policy; p != "" && p != "auto" && p != "manual" {
		return fmt.Errorf("unknown revert policy %q", p)
	}
	return nil
}

// HotReload watches the config file and delivers validated updates.
type HotReload struct {
	manager *ConfigManager
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watching bool
}

// NewHotReload wraps a manager with a file watcher.
func NewHotReload(manager *ConfigManager) *HotReload {
	return &HotReload{manager: manager}
}

// Start begins watching. onChange is invoked, with the freshly loaded
// configuration, after every accepted change; rejected edits keep the
// previous configuration in force.
func (h *HotReload) Start(onChange func(RuntimeConfig)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watching {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.manager.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.watcher = w
	h.watching = true
	go func() {
		for ev := range w.Events {
			if ev.Name != h.manager.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := h.manager.Load(); err != nil {
				continue
			}
			if onChange != nil {
				onChange(h.manager.Current())
			}
		}
	}()
	return nil
}

// Stop closes the watcher.
func (h *HotReload) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watcher != nil {
		_ = h.watcher.Close()
		h.watcher = nil
	}
	h.watching = false
}
