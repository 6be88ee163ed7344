// Package manifest defines the plugin descriptor, its validation rules, and
// the resource-string parsers shared by the runtime and the registry.
package manifest

import (
	"encoding/json"
	"fmt"
)

// Categories is the closed taxonomy a manifest may declare.
var Categories = []string{
	"security", "ai", "data", "media",
	"integration", "utility", "analytics", "communication",
}

// Platform services a plugin may depend on.
const (
	ServiceCache      = "cache"
	ServiceRelational = "relational"
	ServiceVector     = "vector"
)

// AdoptedVersion marks manifests synthesized for containers adopted during
// reconciliation, where the real version is unrecoverable.
const AdoptedVersion = "unknown"

// Image identifies the container image for one plugin version.
type Image struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// Ref renders the pullable image reference. A digest pins the exact image.
func (i Image) Ref() string {
	if i.Digest != "" {
		return i.Repository + "@" + i.Digest
	}
	tag := i.Tag
	if tag == "" {
		tag = "latest"
	}
	return i.Repository + ":" + tag
}

// HealthCheck describes the HTTP probe translated to the container runtime.
type HealthCheck struct {
	Path            string `json:"path,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
	Retries         int    `json:"retries,omitempty"`
}

// Endpoint is an informational route description; the gateway publishes one
// route for the manifest's base path regardless.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	RateLimit   int    `json:"rateLimit,omitempty"`
}

// EnvVar declares an environment variable the plugin consumes.
type EnvVar struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Secret   bool   `json:"secret,omitempty"`
	Default  string `json:"default,omitempty"`
}

// Volume maps a named volume into the container.
type Volume struct {
	Name          string `json:"name"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// Resources caps the container. Memory is "<n>m" or "<n>g"; CPU is fractional
// cores. Unparseable values fall back to 512 MiB and one core.
type Resources struct {
	Memory string  `json:"memory,omitempty"`
	CPU    float64 `json:"cpu,omitempty"`
	GPU    int     `json:"gpu,omitempty"`
}

// PluginDependency references another plugin by manifest id.
type PluginDependency struct {
	ID       string `json:"id"`
	Optional bool   `json:"optional,omitempty"`
}

// Dependencies lists plugin and platform-service requirements.
type Dependencies struct {
	Plugins  []PluginDependency `json:"plugins,omitempty"`
	Services []string           `json:"services,omitempty"`
}

// Manifest is the immutable descriptor of one plugin version.
type Manifest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	License     string   `json:"license,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	Image Image `json:"image"`

	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort,omitempty"`
	BasePath      string `json:"basePath,omitempty"`

	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`

	Endpoints []Endpoint `json:"endpoints,omitempty"`

	ConfigSchema   json.RawMessage `json:"configSchema,omitempty"`
	ConfigDefaults map[string]any  `json:"configDefaults,omitempty"`

	Environment []EnvVar `json:"environment,omitempty"`
	Volumes     []Volume `json:"volumes,omitempty"`

	Resources Resources `json:"resources,omitempty"`

	Dependencies Dependencies `json:"dependencies,omitempty"`
}

// Parse unmarshals a manifest and fills defaulted fields. Unknown JSON fields
// are ignored. The result is not validated; call Validate separately.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// ApplyDefaults fills the optional fields the rest of the system relies on.
func (m *Manifest) ApplyDefaults() {
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Image.Tag == "" && m.Image.Digest == "" {
		m.Image.Tag = "latest"
	}
	if m.BasePath == "" && m.ID != "" {
		m.BasePath = "/api/v1/" + m.ID
	}
	if m.HealthCheck != nil {
		if m.HealthCheck.Path == "" {
			m.HealthCheck.Path = "/health"
		}
		if m.HealthCheck.IntervalSeconds <= 0 {
			m.HealthCheck.IntervalSeconds = 30
		}
		if m.HealthCheck.TimeoutSeconds <= 0 {
			m.HealthCheck.TimeoutSeconds = 5
		}
		if m.HealthCheck.Retries <= 0 {
			m.HealthCheck.Retries = 3
		}
	}
}

// Clone returns a deep copy through JSON round-tripping. Manifests are small;
// correctness beats allocation counting here.
func (m *Manifest) Clone() *Manifest {
	data, err := json.Marshal(m)
	if err != nil {
		cp := *m
		return &cp
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *m
		return &cp
	}
	return &out
}

// DependsOnService reports whether the manifest declares the platform service.
func (m *Manifest) DependsOnService(name string) bool {
	for _, s := range m.Dependencies.Services {
		if s == name {
			return true
		}
	}
	return false
}
