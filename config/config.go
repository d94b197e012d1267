// Package config loads the agent's TOML configuration file into the
// structure spec.md's external-interfaces table names, applying the same
// defaults the rest of the pipeline falls back to when a key is absent.
// Producing config.toml (the GUI editor) is an external collaborator's
// job; this package only consumes it.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/BurntSushi/toml"
)

// Agent holds the agent.* configuration group.
type Agent struct {
	AgentID                 string `toml:"agent_id"`
	LogLevel                string `toml:"log_level"`
	EnableToastNotifications bool  `toml:"enable_toast_notifications"`
}

// Cloud holds the cloud.* configuration group.
type Cloud struct {
	Endpoint              string `toml:"endpoint"`
	CertificateThumbprint string `toml:"certificate_thumbprint"`
}

// Skyline holds the skyline.* configuration group (named for the
// extractor tool spec.md describes; the key survives from the original
// product's naming).
type Skyline struct {
	Path            string `toml:"path"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	ProcessPriority string `toml:"process_priority"`
}

// Watcher holds the watcher.* configuration group.
type Watcher struct {
	ScanIntervalSeconds         int `toml:"scan_interval_seconds"`
	StabilityWindowSeconds      int `toml:"stability_window_seconds"`
	StabilizationTimeoutSeconds int `toml:"stabilization_timeout_seconds"`
}

// Spool holds the spool.* configuration group.
type Spool struct {
	MaxPendingMB            int64 `toml:"max_pending_mb"`
	MaxAgeDays              int   `toml:"max_age_days"`
	CompletedRetentionCount int   `toml:"completed_retention_count"`
}

// Instrument is one entry of instruments[].
type Instrument struct {
	ID              string `toml:"id"`
	Vendor          string `toml:"vendor"`
	WatchPath       string `toml:"watch_path"`
	FilePattern     string `toml:"file_pattern"`
	Template        string `toml:"template"`
	ReferenceID     string `toml:"reference_id"`
	TargetsExpected int    `toml:"targets_expected"`
	NetworkMount    bool   `toml:"network_mount"`
}

// Config is the in-memory record spec.md's §6 table describes.
type Config struct {
	Agent       Agent        `toml:"agent"`
	Cloud       Cloud        `toml:"cloud"`
	Skyline     Skyline      `toml:"skyline"`
	Watcher     Watcher      `toml:"watcher"`
	Spool       Spool        `toml:"spool"`
	Instruments []Instrument `toml:"instruments"`
}

// Load parses path as TOML and applies defaults for every tunable
// spec.md names.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
	if c.Agent.AgentID == "" {
		c.Agent.AgentID = "auto"
	}
	if c.Skyline.Path == "" {
		c.Skyline.Path = "auto"
	}
	if c.Skyline.TimeoutSeconds <= 0 {
		c.Skyline.TimeoutSeconds = 300
	}
	if c.Skyline.ProcessPriority == "" {
		c.Skyline.ProcessPriority = "below_normal"
	}
	if c.Watcher.ScanIntervalSeconds <= 0 {
		c.Watcher.ScanIntervalSeconds = 30
	}
	if c.Watcher.StabilityWindowSeconds <= 0 {
		c.Watcher.StabilityWindowSeconds = 60
	}
	if c.Watcher.StabilizationTimeoutSeconds <= 0 {
		c.Watcher.StabilizationTimeoutSeconds = 600
	}
	if c.Spool.MaxPendingMB <= 0 {
		c.Spool.MaxPendingMB = 500
	}
	if c.Spool.CompletedRetentionCount <= 0 {
		c.Spool.CompletedRetentionCount = 20
	}
}

// ResolveAgentID returns the configured agent_id, or, when it is the
// literal "auto", a deterministic offline hardware fingerprint: the
// SHA-256 hash of the first MAC address found, truncated to 16 hex
// characters.
func (c *Config) ResolveAgentID() (string, error) {
	if c.Agent.AgentID != "auto" {
		return c.Agent.AgentID, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("config: list network interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if len(ifc.HardwareAddr) == 0 {
			continue
		}
		sum := sha256.Sum256([]byte(ifc.HardwareAddr.String()))
		return hex.EncodeToString(sum[:])[:16], nil
	}
	return "", fmt.Errorf("config: no network interface with a hardware address found for agent_id derivation")
}
