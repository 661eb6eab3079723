// Package config loads gofserve's server and per-mount configuration from
// the VIBE format (pkg/vibe), the same human-friendly bracket-expression
// syntax the teacher project uses for its own configuration.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofserve/gofserve/pkg/vibe"
)

// Config is the complete gofserve configuration.
type Config struct {
	Server  ServerConfig
	Limits  LimitsConfig
	Logging LoggingConfig
	Mounts  map[string]*MountConfig
	Admin   AdminConfig
}

// ServerConfig contains server-level settings.
type ServerConfig struct {
	Hostname      string
	ListenAddress string
	Port          int
	AdminRoot     string
	Location      string
}

// LimitsConfig contains resource limits applied when a mount has no
// specific override.
type LimitsConfig struct {
	MaxListenersPerMount int
	ScanInterval         time.Duration
	ExpireAfter          time.Duration
	BurstSize            int
}

// LoggingConfig contains logging/activity-buffer sizing.
type LoggingConfig struct {
	LogLevel     string
	LogBufSize   int
	ActivitySize int
}

// MountConfig contains per-mount settings relevant to admission and
// fallback throttling. Name is the mount path ("/live", "/a.mp3", ...).
type MountConfig struct {
	Name string

	// MaxListeners: -1 means unlimited, 0 means "do not open on-demand"
	// (spec.md §4.4 step 4), a positive N is the admission ceiling.
	MaxListeners int

	// FallbackMount is the substitute mount served while no live source
	// is connected (spec.md's "fallback" mount concept).
	FallbackMount string

	// Bitrate is the configured target bitrate in bits/sec for fallback
	// content. Load fills it in, but nothing else reads it: a listener's
	// FInfo.Limit comes from the request, not from this field.
	Bitrate int

	// Type is the configured content type. Load fills it in, but nothing
	// else reads it: a handle's type is resolved from the FInfo and the
	// MIME registry.
	Type string

	// ForbidDuplicateLogin enables the "same principal already connected"
	// 403 policy (spec.md §4.4 step 3, §8 scenario 5).
	ForbidDuplicateLogin bool

	BurstSize int
}

// AdminConfig gates the admin HTTP surface.
type AdminConfig struct {
	Enabled  bool
	User     string
	Password string
}

// DefaultConfig returns sensible defaults, mirroring the teacher's
// DefaultConfig shape.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:      "localhost",
			ListenAddress: "0.0.0.0",
			Port:          8000,
			AdminRoot:     "/admin",
			Location:      "Earth",
		},
		Limits: LimitsConfig{
			MaxListenersPerMount: 100,
			ScanInterval:         5 * time.Second,
			ExpireAfter:          120 * time.Second,
			BurstSize:            16384,
		},
		Logging: LoggingConfig{
			LogLevel:     "info",
			LogBufSize:   1000,
			ActivitySize: 500,
		},
		Mounts: make(map[string]*MountConfig),
		Admin: AdminConfig{
			Enabled: true,
			User:    "admin",
		},
	}
}

// Load parses a VIBE config file into a Config, defaults filling in
// whatever the file omits.
func Load(filename string) (*Config, error) {
	v, err := vibe.ParseFile(filename)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := DefaultConfig()

	if v.GetObject("server") != nil {
		cfg.Server.Hostname = v.GetStringDefault("server.hostname", cfg.Server.Hostname)
		cfg.Server.ListenAddress = v.GetStringDefault("server.listen", cfg.Server.ListenAddress)
		cfg.Server.Port = int(v.GetIntDefault("server.port", int64(cfg.Server.Port)))
		cfg.Server.AdminRoot = v.GetStringDefault("server.admin_root", cfg.Server.AdminRoot)
		cfg.Server.Location = v.GetStringDefault("server.location", cfg.Server.Location)
	}

	if v.GetObject("limits") != nil {
		cfg.Limits.MaxListenersPerMount = int(v.GetIntDefault("limits.max_listeners_per_mount", int64(cfg.Limits.MaxListenersPerMount)))
		cfg.Limits.BurstSize = int(v.GetIntDefault("limits.burst_size", int64(cfg.Limits.BurstSize)))
		if secs := v.GetInt("limits.scan_interval"); secs > 0 {
			cfg.Limits.ScanInterval = time.Duration(secs) * time.Second
		}
		if secs := v.GetInt("limits.expire_after"); secs > 0 {
			cfg.Limits.ExpireAfter = time.Duration(secs) * time.Second
		}
	}

	if v.GetObject("logging") != nil {
		cfg.Logging.LogLevel = v.GetStringDefault("logging.level", cfg.Logging.LogLevel)
		cfg.Logging.LogBufSize = int(v.GetIntDefault("logging.log_buffer_size", int64(cfg.Logging.LogBufSize)))
		cfg.Logging.ActivitySize = int(v.GetIntDefault("logging.activity_buffer_size", int64(cfg.Logging.ActivitySize)))
	}

	if mounts := v.GetObject("mounts"); mounts != nil {
		for _, key := range mounts.Keys {
			mountPath := "mounts." + key
			if v.GetObject(mountPath) == nil {
				continue
			}
			name := key
			if len(key) == 0 || key[0] != '/' {
				name = "/" + key
			}
			mc := &MountConfig{
				Name:                 name,
				MaxListeners:         int(v.GetIntDefault(mountPath+".max_listeners", int64(cfg.Limits.MaxListenersPerMount))),
				FallbackMount:        v.GetStringDefault(mountPath+".fallback", ""),
				Bitrate:              int(v.GetIntDefault(mountPath+".bitrate", 0)),
				Type:                 v.GetStringDefault(mountPath+".type", ""),
				ForbidDuplicateLogin: v.GetBoolDefault(mountPath+".forbid_duplicate_login", false),
				BurstSize:            int(v.GetIntDefault(mountPath+".burst_size", int64(cfg.Limits.BurstSize))),
			}
			cfg.Mounts[name] = mc
		}
	}

	if v.GetObject("admin") != nil {
		cfg.Admin.Enabled = v.GetBoolDefault("admin.enabled", cfg.Admin.Enabled)
		cfg.Admin.User = v.GetStringDefault("admin.user", cfg.Admin.User)
		cfg.Admin.Password = v.GetStringDefault("admin.password", cfg.Admin.Password)
	}

	return cfg, nil
}

// FindMount returns the configuration for mountPath, or a synthesized
// default (Limits.MaxListenersPerMount listeners, no fallback) when no
// explicit entry exists
// — gofserve's Config collaborator contract (spec.md §6).
func (c *Config) FindMount(mountPath string) *MountConfig {
	if mc, ok := c.Mounts[mountPath]; ok {
		return mc
	}
	return &MountConfig{
		Name:         mountPath,
		MaxListeners: c.Limits.MaxListenersPerMount,
		BurstSize:    c.Limits.BurstSize,
	}
}

// Manager holds a live Config behind a RWMutex and supports atomic
// replacement, the same hot-reload shape as the teacher's ConfigManager
// minus the zero-config admin-panel state persistence that has no
// counterpart in the file-serving core.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager wraps an already-loaded Config.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Replace swaps in a newly loaded configuration, as config.Load would
// produce after a SIGHUP-triggered reload.
func (m *Manager) Replace(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}
