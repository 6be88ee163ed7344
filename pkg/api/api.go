// Package api defines the wire types shared by the plugind HTTP surface and
// its clients (pluginctl, tests).
package api

import (
	"encoding/json"
	"time"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
}

// InstallRequest is the body of POST /api/v1/plugins/install. Exactly one of
// Manifest or ManifestURL must be set.
type InstallRequest struct {
	Manifest    json.RawMessage   `json:"manifest,omitempty"`
	ManifestURL string            `json:"manifestUrl,omitempty"`
	Config      map[string]any    `json:"config,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	AutoStart   *bool             `json:"autoStart,omitempty"`
}

// UpdateRequest is the body of POST /api/v1/plugins/{key}/update. Exactly one
// of Manifest, ImageTag or BundleURL must be set.
type UpdateRequest struct {
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	ImageTag  string          `json:"imageTag,omitempty"`
	BundleURL string          `json:"bundleUrl,omitempty"`
}

// MarketplaceInstallRequest installs a catalog entry by id and source.
type MarketplaceInstallRequest struct {
	ManifestID string `json:"manifestId"`
	SourceID   string `json:"sourceId,omitempty"`
	AutoStart  *bool  `json:"autoStart,omitempty"`
}

// GitHubInstallRequest installs straight from a source-hosting repository.
type GitHubInstallRequest struct {
	Repository string `json:"repository"`
	AutoStart  *bool  `json:"autoStart,omitempty"`
}

// SourceCreateRequest registers a new catalog source.
type SourceCreateRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// PluginSummary is the list-view projection of a plugin instance.
type PluginSummary struct {
	PluginKey     string    `json:"pluginKey"`
	ManifestID    string    `json:"manifestId"`
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Category      string    `json:"category,omitempty"`
	Status        string    `json:"status"`
	HealthState   string    `json:"healthState"`
	HostPort      int       `json:"allocatedHostPort"`
	ContainerName string    `json:"containerName"`
	InstalledAt   time.Time `json:"installedAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// PluginList is the payload of GET /api/v1/plugins.
type PluginList struct {
	Plugins []PluginSummary `json:"plugins"`
	Total   int             `json:"total"`
}

// LogLines is the payload of GET /api/v1/plugins/{key}/logs.
type LogLines struct {
	Logs []string `json:"logs"`
}

// EventRecord is one lifecycle event as delivered on /ws/events and in the
// persisted event log.
type EventRecord struct {
	PluginKey string          `json:"pluginKey"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HealthStatus is the payload of GET /health and GET /ready.
type HealthStatus struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}
