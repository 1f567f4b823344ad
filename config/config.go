package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANSHARE_DATA_DIR"
	// DefaultDiscoveryPort is the UDP port for discovery datagrams.
	DefaultDiscoveryPort = 45678
	// DefaultTransferPort is the TCP port for transfer connections.
	DefaultTransferPort = 45679
	// DefaultBroadcastIntervalSeconds is the announce period.
	DefaultBroadcastIntervalSeconds = 5
	// DefaultChunkSize is the sender chunk size in bytes.
	DefaultChunkSize = 8 * 1024
	// MaxChunkSize caps the configurable chunk size.
	MaxChunkSize = 2 * 1024 * 1024
	// DefaultMaxReconnects bounds sender reconnect attempts per file.
	DefaultMaxReconnects = 3
	// DefaultChunkTimeoutSeconds bounds each chunk read or write.
	DefaultChunkTimeoutSeconds = 30
	// DefaultLogLevel is used when log_level is missing or unknown.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// historyDirName holds the transfer history database.
	historyDirName = "history"
	// receivedDirName is the default save directory under the data dir.
	receivedDirName = "received"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                 string `json:"device_id"`
	DeviceName               string `json:"device_name"`
	DiscoveryPort            int    `json:"discovery_port"`
	TransferPort             int    `json:"transfer_port"`
	SaveDir                  string `json:"save_dir"`
	BroadcastIntervalSeconds int    `json:"broadcast_interval_seconds"`
	ChunkSize                int    `json:"chunk_size"`
	HashBeforeSend           *bool  `json:"hash_before_send,omitempty"`
	MaxReconnects            int    `json:"max_reconnects"`
	ChunkTimeoutSeconds      int    `json:"chunk_timeout_seconds"`
	EnableMDNS               bool   `json:"enable_mdns"`
	HistoryEnabled           *bool  `json:"history_enabled,omitempty"`
	LogLevel                 string `json:"log_level"`
}

// BroadcastInterval returns the announce period.
func (c *DeviceConfig) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalSeconds) * time.Second
}

// ChunkTimeout returns the per-chunk I/O deadline.
func (c *DeviceConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSeconds) * time.Second
}

// HashEnabled reports whether senders hash files before offering them.
func (c *DeviceConfig) HashEnabled() bool {
	return c.HashBeforeSend == nil || *c.HashBeforeSend
}

// History reports whether terminal transfers are recorded.
func (c *DeviceConfig) History() bool {
	return c.HistoryEnabled == nil || *c.HistoryEnabled
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// HistoryDir returns where the transfer history database lives.
func HistoryDir(dataDir string) string {
	return filepath.Join(dataDir, historyDirName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		HistoryDir(dataDir),
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

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Share Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if !validPort(cfg.DiscoveryPort) {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if !validPort(cfg.TransferPort) || cfg.TransferPort == cfg.DiscoveryPort {
		cfg.TransferPort = DefaultTransferPort
		if cfg.TransferPort == cfg.DiscoveryPort {
			cfg.TransferPort = cfg.DiscoveryPort + 1
		}
		updated = true
	}

	if cfg.SaveDir == "" {
		cfg.SaveDir = filepath.Join(dataDir, receivedDirName)
		updated = true
	}
	if cfg.BroadcastIntervalSeconds <= 0 {
		cfg.BroadcastIntervalSeconds = DefaultBroadcastIntervalSeconds
		updated = true
	}

	switch {
	case cfg.ChunkSize <= 0:
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	case cfg.ChunkSize > MaxChunkSize:
		cfg.ChunkSize = MaxChunkSize
		updated = true
	}

	if cfg.HashBeforeSend == nil {
		cfg.HashBeforeSend = boolPtr(true)
		updated = true
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
		updated = true
	}
	if cfg.ChunkTimeoutSeconds <= 0 {
		cfg.ChunkTimeoutSeconds = DefaultChunkTimeoutSeconds
		updated = true
	}
	if cfg.HistoryEnabled == nil {
		cfg.HistoryEnabled = boolPtr(true)
		updated = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, err := logrus.ParseLevel(level); err != nil || level == "" {
		level = DefaultLogLevel
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func boolPtr(v bool) *bool {
	return &v
}
