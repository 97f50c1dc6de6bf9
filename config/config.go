// Package config manages the persisted device configuration: a JSON
// file under the per-user data directory, with .env and environment
// variable overrides layered on top at load time.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9099
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	// EnvDataDir overrides the resolved data directory.
	EnvDataDir = "PEERDROP_DATA_DIR"
)

// Liveness and transfer timing defaults, in seconds.
const (
	DefaultHeartbeatWindowSeconds   = 60
	DefaultPruneWindowSeconds       = 120
	DefaultPruneIntervalSeconds     = 30
	DefaultAnnounceIntervalSeconds  = 30
	DefaultHeartbeatIntervalSeconds = 15
	DefaultProbeTimeoutSeconds      = 5
	DefaultConnectTimeoutSeconds    = 10
	DefaultMaxActiveTransfers       = 8
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PlatformClass string `json:"platform_class"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	ReceiveDir    string `json:"receive_dir"`
	LogLevel      string `json:"log_level"`
	EnableMDNS    bool   `json:"enable_mdns"`

	HeartbeatWindowSeconds   int `json:"heartbeat_window_seconds"`
	PruneWindowSeconds       int `json:"prune_window_seconds"`
	PruneIntervalSeconds     int `json:"prune_interval_seconds"`
	AnnounceIntervalSeconds  int `json:"announce_interval_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	ProbeTimeoutSeconds      int `json:"probe_timeout_seconds"`
	ConnectTimeoutSeconds    int `json:"connect_timeout_seconds"`
	MaxActiveTransfers       int `json:"max_active_transfers"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "received"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// effective configuration with .env and environment overrides applied.
// Overrides are never written back to config.json.
func LoadOrCreate() (*DeviceConfig, string, error) {
	// A .env in the working directory seeds missing environment
	// variables; real environment values win.
	_ = godotenv.Load()

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		applyEnvOverrides(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "PeerDrop Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    deviceName,
		PlatformClass: platformClassForGOOS(),
		PortMode:      PortModeAutomatic,
		ListeningPort: 0,
		ReceiveDir:    filepath.Join(dataDir, "received"),
		LogLevel:      "info",
		EnableMDNS:    true,

		HeartbeatWindowSeconds:   DefaultHeartbeatWindowSeconds,
		PruneWindowSeconds:       DefaultPruneWindowSeconds,
		PruneIntervalSeconds:     DefaultPruneIntervalSeconds,
		AnnounceIntervalSeconds:  DefaultAnnounceIntervalSeconds,
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
		ProbeTimeoutSeconds:      DefaultProbeTimeoutSeconds,
		ConnectTimeoutSeconds:    DefaultConnectTimeoutSeconds,
		MaxActiveTransfers:       DefaultMaxActiveTransfers,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "PeerDrop Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.PlatformClass == "" {
		cfg.PlatformClass = platformClassForGOOS()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = filepath.Join(dataDir, "received")
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	// The prune window must exceed the heartbeat window, or a peer
	// would be removed while still classified stale.
	if cfg.HeartbeatWindowSeconds <= 0 {
		cfg.HeartbeatWindowSeconds = DefaultHeartbeatWindowSeconds
		updated = true
	}
	if cfg.PruneWindowSeconds <= cfg.HeartbeatWindowSeconds {
		cfg.PruneWindowSeconds = 2 * cfg.HeartbeatWindowSeconds
		updated = true
	}
	if cfg.PruneIntervalSeconds <= 0 {
		cfg.PruneIntervalSeconds = DefaultPruneIntervalSeconds
		updated = true
	}
	if cfg.AnnounceIntervalSeconds <= 0 {
		cfg.AnnounceIntervalSeconds = DefaultAnnounceIntervalSeconds
		updated = true
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
		updated = true
	}
	if cfg.ProbeTimeoutSeconds <= 0 {
		cfg.ProbeTimeoutSeconds = DefaultProbeTimeoutSeconds
		updated = true
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		updated = true
	}
	if cfg.MaxActiveTransfers <= 0 {
		cfg.MaxActiveTransfers = DefaultMaxActiveTransfers
		updated = true
	}

	return updated
}

// applyEnvOverrides layers PEERDROP_* environment variables over the
// loaded configuration for this process only.
func applyEnvOverrides(cfg *DeviceConfig) {
	if v := os.Getenv("PEERDROP_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("PEERDROP_RECEIVE_DIR"); v != "" {
		cfg.ReceiveDir = v
	}
	if v := os.Getenv("PEERDROP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PEERDROP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.PortMode = PortModeFixed
			cfg.ListeningPort = port
		}
	}
	if v := os.Getenv("PEERDROP_DISABLE_MDNS"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			cfg.EnableMDNS = !disabled
		}
	}
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func platformClassForGOOS() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	case "android":
		return "android"
	case "ios":
		return "ios"
	case "linux":
		return "linux"
	default:
		return "unknown"
	}
}
