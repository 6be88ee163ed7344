package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	semverPattern  = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	memoryPattern  = regexp.MustCompile(`^\d+[kmg]?$`)
)

// FieldProblem describes one validation failure.
type FieldProblem struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError carries every problem found in one pass.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid manifest: %s: %s", e.Problems[0].Field, e.Problems[0].Problem)
	}
	return fmt.Sprintf("invalid manifest: %d problems, first: %s: %s",
		len(e.Problems), e.Problems[0].Field, e.Problems[0].Problem)
}

// Details renders the problems for the error envelope.
func (e *ValidationError) Details() map[string]any {
	return map[string]any{"problems": e.Problems}
}

// Validate checks the manifest against the rules applied on install, update,
// adoption and catalog ingestion. Returns *ValidationError listing every
// violation, or nil.
func (m *Manifest) Validate() error {
	var problems []FieldProblem
	add := func(field, format string, args ...any) {
		problems = append(problems, FieldProblem{Field: field, Problem: fmt.Sprintf(format, args...)})
	}

	if !idPattern.MatchString(m.ID) || len(m.ID) > 64 {
		add("id", "must match [a-z0-9][a-z0-9-]* and be 1-64 characters, got %q", m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		add("version", "not a semver string: %q", m.Version)
	}
	if m.Image.Repository == "" {
		add("image.repository", "required")
	}
	if m.ContainerPort < 1 || m.ContainerPort > 65535 {
		add("containerPort", "must be in 1..65535, got %d", m.ContainerPort)
	}
	if m.HostPort != 0 && (m.HostPort < 1 || m.HostPort > 65535) {
		add("hostPort", "must be in 1..65535, got %d", m.HostPort)
	}
	if m.Category != "" && !validCategory(m.Category) {
		add("category", "unknown category %q", m.Category)
	}

	seen := make(map[string]bool, len(m.Endpoints))
	for i, ep := range m.Endpoints {
		key := strings.ToUpper(ep.Method) + " " + ep.Path
		if seen[key] {
			add(fmt.Sprintf("endpoints[%d]", i), "duplicate endpoint %s", key)
		}
		seen[key] = true
	}

	for i, ev := range m.Environment {
		if !envNamePattern.MatchString(ev.Name) {
			add(fmt.Sprintf("environment[%d].name", i), "invalid variable name %q", ev.Name)
		}
	}

	for i, v := range m.Volumes {
		if v.Name == "" {
			add(fmt.Sprintf("volumes[%d].name", i), "required")
		}
		if !path.IsAbs(v.ContainerPath) {
			add(fmt.Sprintf("volumes[%d].containerPath", i), "must be absolute, got %q", v.ContainerPath)
		}
	}

	for _, svc := range m.Dependencies.Services {
		if svc != ServiceCache && svc != ServiceRelational && svc != ServiceVector {
			add("dependencies.services", "unknown platform service %q", svc)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Resource fallbacks applied when the manifest strings do not parse.
const (
	DefaultMemoryBytes = 512 << 20
	DefaultNanoCPUs    = 1e9
)

// MemoryBytes parses the manifest memory string ("512m", "1g"). Unparseable
// values fall back to 512 MiB.
func (r Resources) MemoryBytes() int64 {
	s := strings.ToLower(strings.TrimSpace(r.Memory))
	if s == "" || !memoryPattern.MatchString(s) {
		return DefaultMemoryBytes
	}
	mult := int64(1 << 20)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return DefaultMemoryBytes
	}
	return n * mult
}

// NanoCPUs converts the fractional-core CPU value to nanocores, falling back
// to one core for non-positive values.
func (r Resources) NanoCPUs() int64 {
	if r.CPU <= 0 {
		return DefaultNanoCPUs
	}
	return int64(r.CPU * 1e9)
}
