// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// --------------------
	// Scanner listener
	// --------------------
	ListenHost string `json:"listen_host" yaml:"listen_host"`
	Port       int    `json:"port" yaml:"port"`
	// AdvertiseHost overrides the IP placed in the pairing QR code.
	AdvertiseHost string `json:"advertise_host" yaml:"advertise_host"`
	AutoStart     *bool  `json:"auto_start" yaml:"auto_start"` // default true

	// Per-frame limits
	MaxMessageBytes      int `json:"max_message_bytes" yaml:"max_message_bytes"`
	MaxFieldLen          int `json:"max_field_len" yaml:"max_field_len"`
	MaxBarcodeLen        int `json:"max_barcode_len" yaml:"max_barcode_len"`
	MaxConsecutiveErrors int `json:"max_consecutive_errors" yaml:"max_consecutive_errors"` // -1 disables

	// Device registry persistence (OFF by default: devices live for one run)
	PersistDevices     bool   `json:"persist_devices" yaml:"persist_devices"`
	DevicesFile        string `json:"devices_file" yaml:"devices_file"`
	RequireSealedStore bool   `json:"require_sealed_store" yaml:"require_sealed_store"`

	// Pairing QR on disk (optional)
	QROutputDir  string `json:"qr_output_dir" yaml:"qr_output_dir"`
	QROpenViewer *bool  `json:"qr_open_viewer" yaml:"qr_open_viewer"` // default false

	// --------------------
	// Logging (optional)
	// --------------------
	// If LogFile is set, logs go to that file (with rotation).
	// Else if LogDir is set, logs go to LogDir/scanlink.log (with rotation).
	// If neither is set, logs go to stderr only.
	LogFile     string `json:"log_file" yaml:"log_file"`
	LogDir      string `json:"log_dir" yaml:"log_dir"`
	LogLevel    string `json:"log_level" yaml:"log_level"`         // default info
	LogRotateMB int    `json:"log_rotate_mb" yaml:"log_rotate_mb"` // default 10
	LogKeep     int    `json:"log_keep" yaml:"log_keep"`           // default 10
	LogStderr   *bool  `json:"log_stderr" yaml:"log_stderr"`       // default true
	LogRedact   *bool  `json:"log_redact" yaml:"log_redact"`       // default true

	// Local-only control endpoint for the desktop UI
	ControlAPIEnabled  *bool  `json:"control_api_enabled" yaml:"control_api_enabled"` // default true
	ControlListenAddr  string `json:"control_listen_addr" yaml:"control_listen_addr"`
	ControlTokenFile   string `json:"control_token_file" yaml:"control_token_file"`
	ControlTokenHeader string `json:"control_token_header" yaml:"control_token_header"`
	EventBuffer        int    `json:"event_buffer" yaml:"event_buffer"`

	// Keyboard wedge: type received barcodes into the focused window
	WedgeEnabled    bool  `json:"wedge_enabled" yaml:"wedge_enabled"`
	WedgePressEnter *bool `json:"wedge_press_enter" yaml:"wedge_press_enter"` // default true
}

const (
	defaultJSON = "scanlink.json"
	defaultYAML = "scanlink.yaml"
	defaultYML  = "scanlink.yml"
)

// Load reads path, or the first default file present when path is empty.
// A missing default file is not an error: the result is all defaults.
func Load(path string) (*Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = pickConfigPath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q (use .json/.yaml/.yml)", ext)
	}
	return nil
}

func pickConfigPath() string {
	if fileExists(defaultYAML) {
		return defaultYAML
	}
	if fileExists(defaultYML) {
		return defaultYML
	}
	return defaultJSON
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func (c *Config) ApplyDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8081
	}
	if c.AutoStart == nil {
		c.AutoStart = boolPtr(true)
	}

	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = 4096
	}
	if c.MaxFieldLen == 0 {
		c.MaxFieldLen = 256
	}
	if c.MaxBarcodeLen == 0 {
		c.MaxBarcodeLen = 1024
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 8
	}

	if c.DevicesFile == "" {
		c.DevicesFile = "devices.json"
	}
	if c.QROpenViewer == nil {
		c.QROpenViewer = boolPtr(false)
	}

	// Logging defaults
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogRotateMB == 0 {
		c.LogRotateMB = 10
	}
	if c.LogKeep == 0 {
		c.LogKeep = 10
	}
	if c.LogStderr == nil {
		c.LogStderr = boolPtr(true)
	}
	if c.LogRedact == nil {
		c.LogRedact = boolPtr(true)
	}

	// Control API defaults
	if c.ControlAPIEnabled == nil {
		c.ControlAPIEnabled = boolPtr(true)
	}
	if c.ControlListenAddr == "" {
		c.ControlListenAddr = "127.0.0.1:8082"
	}
	if c.ControlTokenFile == "" {
		c.ControlTokenFile = "control_token.txt"
	}
	if c.ControlTokenHeader == "" {
		c.ControlTokenHeader = "X-ScanLink-Token"
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}

	if c.WedgePressEnter == nil {
		c.WedgePressEnter = boolPtr(true)
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxMessageBytes < 256 {
		return fmt.Errorf("max_message_bytes must be at least 256 (got %d)", c.MaxMessageBytes)
	}
	if c.MaxBarcodeLen < 1 || c.MaxBarcodeLen > c.MaxMessageBytes {
		return fmt.Errorf("max_barcode_len must be between 1 and max_message_bytes (got %d)", c.MaxBarcodeLen)
	}
	if c.MaxFieldLen < 1 {
		return fmt.Errorf("max_field_len must be positive (got %d)", c.MaxFieldLen)
	}
	if c.MaxConsecutiveErrors < -1 {
		return fmt.Errorf("max_consecutive_errors must be -1 or positive (got %d)", c.MaxConsecutiveErrors)
	}
	return nil
}

// BoolDeref returns def when ptr is nil.
func BoolDeref(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolPtr(v bool) *bool { return &v }
