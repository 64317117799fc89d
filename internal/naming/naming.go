// Package naming produces deterministic volume names and generated
// container names for devspawn-managed resources, plus the label keys
// used to rediscover them.
package naming

import (
	"strings"

	"github.com/pksorensen/devspawn/internal/id"
)

// Label keys recorded on devspawn-managed containers and volumes.
// Discovery of existing resources filters on these.
const (
	LabelProject     = "com.devspawn.project"
	LabelVolume      = "com.devspawn.volume"
	LabelConfigHash  = "com.devspawn.config-hash"
	LabelConfigFiles = "com.devspawn.config-files"
	LabelBuiltAt     = "com.devspawn.built-at"
	LabelBootstrap   = "com.devspawn.bootstrap"
	LabelManaged     = "com.devspawn.managed"
)

// BootstrapNamePrefix is the default name prefix for bootstrap helper
// containers. The cleanup invariant checks for this prefix.
const BootstrapNamePrefix = "devspawn-bootstrap"

// VolumeName returns the deterministic volume name for a project.
// The same project always maps to the same volume so re-spawns reuse
// previously staged files.
func VolumeName(project string) string {
	return "devspawn-" + Slug(project)
}

// ContainerName returns a generated container name for a project,
// disambiguated with a random suffix.
func ContainerName(project string) string {
	return "devspawn-" + Slug(project) + "-" + id.Suffix()
}

// BootstrapName returns a generated bootstrap helper container name.
func BootstrapName(prefix string) string {
	if prefix == "" {
		prefix = BootstrapNamePrefix
	}
	return prefix + "-" + id.Suffix()
}

// Slug normalizes a project name into a container-safe identifier:
// lowercase, [a-z0-9-] only, runs of other characters collapsed to a
// single hyphen, leading/trailing hyphens trimmed.
func Slug(name string) string {
	var b strings.Builder
	lastHyphen := true // trims leading hyphens
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ProjectLabels returns the label set stamped on resources belonging to
// a project so they can be found again by label filter.
func ProjectLabels(project, volume string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelProject: Slug(project),
		LabelVolume:  volume,
	}
}
