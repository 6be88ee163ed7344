// Package store persists the orchestrator's durable state in Postgres.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeplatform/plugind/internal/manifest"
)

// Status is the lifecycle state of an installed plugin.
type Status string

const (
	StatusInstalling   Status = "installing"
	StatusInstalled    Status = "installed"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusUninstalling Status = "uninstalling"
)

// Health states reported by the container probe.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// JSONMap is a map column stored as JSONB.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("scan JSONMap: unexpected type %T", value)
	}
	return json.Unmarshal(b, m)
}

// StringMap is a string-valued map column stored as JSONB.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("scan StringMap: unexpected type %T", value)
	}
	return json.Unmarshal(b, m)
}

// ManifestColumn stores a manifest as JSONB.
type ManifestColumn struct {
	manifest.Manifest
}

func (m ManifestColumn) Value() (driver.Value, error) {
	return json.Marshal(m.Manifest)
}

func (m *ManifestColumn) Scan(value any) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("scan manifest: unexpected type %T", value)
	}
	return json.Unmarshal(b, &m.Manifest)
}

// PluginInstance is one installed occurrence of a manifest.
type PluginInstance struct {
	PluginKey     string             `json:"pluginKey"`
	ManifestID    string             `json:"manifestId"`
	Manifest      *manifest.Manifest `json:"manifest"`
	Status        Status             `json:"status"`
	ContainerID   string             `json:"containerHandle,omitempty"`
	ContainerName string             `json:"containerName"`
	HostPort      int                `json:"allocatedHostPort"`
	Config        map[string]any     `json:"effectiveConfig,omitempty"`
	Env           map[string]string  `json:"effectiveEnv,omitempty"`
	InstalledAt   time.Time          `json:"installedAt"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	StoppedAt     *time.Time         `json:"stoppedAt,omitempty"`
	LastProbeAt   *time.Time         `json:"lastProbeAt,omitempty"`
	HealthState   string             `json:"healthState"`
	LastError     string             `json:"lastError,omitempty"`
}

// Clone returns a copy safe to hand to callers while the engine keeps mutating
// its own instance.
func (p *PluginInstance) Clone() *PluginInstance {
	cp := *p
	if p.Manifest != nil {
		cp.Manifest = p.Manifest.Clone()
	}
	if p.Config != nil {
		cp.Config = make(map[string]any, len(p.Config))
		for k, v := range p.Config {
			cp.Config[k] = v
		}
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

// PluginFilter narrows ListPlugins. Zero value matches everything.
type PluginFilter struct {
	Status      Status
	ManifestIDs []string
}

// SourceRegistration is one configured catalog source.
type SourceRegistration struct {
	SourceID      string     `json:"sourceId"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Kind          string     `json:"kind"`
	Enabled       bool       `json:"enabled"`
	Priority      int        `json:"priority"`
	IsDefault     bool       `json:"isDefault"`
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Source kinds.
const (
	SourceKindHTTPIndex     = "http-index"
	SourceKindSourceHosting = "source-hosting"
)

// UpdateHistoryEntry records one update or rollback.
type UpdateHistoryEntry struct {
	PluginKey        string             `json:"pluginKey"`
	FromVersion      string             `json:"fromVersion"`
	ToVersion        string             `json:"toVersion"`
	Action           string             `json:"action"`
	Actor            string             `json:"actor,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	PreviousManifest *manifest.Manifest `json:"-"`
}

// Update-history actions.
const (
	ActionInstall  = "install"
	ActionUpdate   = "update"
	ActionRollback = "rollback"
)
