package manifest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		ID:            "echo",
		Version:       "1.2.3",
		Image:         Image{Repository: "registry.local/echo", Tag: "1.2.3"},
		ContainerPort: 8080,
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	raw := `{
		"id": "echo",
		"version": "1.0.0",
		"image": {"repository": "registry.local/echo"},
		"containerPort": 8080,
		"healthCheck": {}
	}`
	m, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "echo", m.Name)
	assert.Equal(t, "latest", m.Image.Tag)
	assert.Equal(t, "/api/v1/echo", m.BasePath)
	require.NotNil(t, m.HealthCheck)
	assert.Equal(t, "/health", m.HealthCheck.Path)
	assert.Equal(t, 30, m.HealthCheck.IntervalSeconds)
	assert.Equal(t, 5, m.HealthCheck.TimeoutSeconds)
	assert.Equal(t, 3, m.HealthCheck.Retries)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"id": "echo",`))
	require.Error(t, err)
}

func TestApplyDefaultsKeepsDigestUntagged(t *testing.T) {
	m := &Manifest{ID: "pinned", Image: Image{Repository: "r", Digest: "sha256:abc"}}
	m.ApplyDefaults()
	assert.Empty(t, m.Image.Tag)
	assert.Equal(t, "r@sha256:abc", m.Image.Ref())
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		name  string
		image Image
		want  string
	}{
		{"tagged", Image{Repository: "r/echo", Tag: "2.0"}, "r/echo:2.0"},
		{"untagged", Image{Repository: "r/echo"}, "r/echo:latest"},
		{"digest wins", Image{Repository: "r/echo", Tag: "2.0", Digest: "sha256:ff"}, "r/echo@sha256:ff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.image.Ref())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *Manifest)
		badField string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"uppercase id", func(m *Manifest) { m.ID = "Echo" }, "id"},
		{"id too long", func(m *Manifest) {
			m.ID = "a"
			for len(m.ID) <= 64 {
				m.ID += "x"
			}
		}, "id"},
		{"bad version", func(m *Manifest) { m.Version = "one" }, "version"},
		{"v-prefixed version ok", func(m *Manifest) { m.Version = "v2.0.1-rc.1" }, ""},
		{"missing repository", func(m *Manifest) { m.Image.Repository = "" }, "image.repository"},
		{"container port zero", func(m *Manifest) { m.ContainerPort = 0 }, "containerPort"},
		{"host port out of range", func(m *Manifest) { m.HostPort = 70000 }, "hostPort"},
		{"host port unset ok", func(m *Manifest) { m.HostPort = 0 }, ""},
		{"unknown category", func(m *Manifest) { m.Category = "games" }, "category"},
		{"known category ok", func(m *Manifest) { m.Category = "analytics" }, ""},
		{"duplicate endpoint", func(m *Manifest) {
			m.Endpoints = []Endpoint{
				{Method: "GET", Path: "/x"},
				{Method: "get", Path: "/x"},
			}
		}, "endpoints[1]"},
		{"bad env name", func(m *Manifest) {
			m.Environment = []EnvVar{{Name: "lower_case"}}
		}, "environment[0].name"},
		{"relative volume path", func(m *Manifest) {
			m.Volumes = []Volume{{Name: "data", ContainerPath: "data"}}
		}, "volumes[0].containerPath"},
		{"unknown service", func(m *Manifest) {
			m.Dependencies.Services = []string{"queue"}
		}, "dependencies.services"},
		{"known services ok", func(m *Manifest) {
			m.Dependencies.Services = []string{ServiceCache, ServiceRelational, ServiceVector}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			if tt.badField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			found := false
			for _, p := range verr.Problems {
				if p.Field == tt.badField {
					found = true
				}
			}
			assert.True(t, found, "expected a problem on %s, got %+v", tt.badField, verr.Problems)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	m := &Manifest{}
	err := m.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Problems), 3)
	assert.Contains(t, verr.Details(), "problems")
}

func TestMemoryBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512m", 512 << 20},
		{"2g", 2 << 30},
		{"64k", 64 << 10},
		{"128", 128 << 20},
		{"", DefaultMemoryBytes},
		{"lots", DefaultMemoryBytes},
		{"-5m", DefaultMemoryBytes},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Resources{Memory: tt.in}.MemoryBytes())
		})
	}
}

func TestNanoCPUs(t *testing.T) {
	assert.Equal(t, int64(1500000000), Resources{CPU: 1.5}.NanoCPUs())
	assert.Equal(t, int64(DefaultNanoCPUs), Resources{}.NanoCPUs())
	assert.Equal(t, int64(DefaultNanoCPUs), Resources{CPU: -1}.NanoCPUs())
}

func TestCloneIsDeep(t *testing.T) {
	m := validManifest()
	m.ConfigDefaults = map[string]any{"threads": json.Number("4")}
	m.Tags = []string{"a"}

	cp := m.Clone()
	cp.Tags[0] = "b"
	cp.ConfigDefaults["threads"] = "8"

	assert.Equal(t, "a", m.Tags[0])
	assert.Equal(t, json.Number("4"), m.ConfigDefaults["threads"])
}

func TestDependsOnService(t *testing.T) {
	m := validManifest()
	m.Dependencies.Services = []string{ServiceCache}
	assert.True(t, m.DependsOnService(ServiceCache))
	assert.False(t, m.DependsOnService(ServiceVector))
}
