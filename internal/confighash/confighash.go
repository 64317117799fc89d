// Package confighash computes a stable digest over the files that
// determine a dev container's build output and compares it against the
// digest recorded on a previously built container.
package confighash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pksorensen/devspawn/internal/naming"
)

// Algorithm identifies the hashing scheme. Bump when the digest
// construction changes so stale labels force a rebuild.
const Algorithm = "sha256/v1"

// HashResult records a top-level digest and the per-file digests it
// was derived from.
type HashResult struct {
	Algorithm  string            `json:"algorithm"`
	ComputedAt time.Time         `json:"computedAt"`
	Hash       string            `json:"hash"`
	Files      map[string]string `json:"files"`
}

// ChangeResult compares a fresh hash against the one recorded on an
// existing container.
type ChangeResult struct {
	Changed       bool
	Reason        string
	ChangedFiles  []string
	ExistingHash  string
	ExistingBuilt time.Time
}

// ComputeHash digests each file individually, then digests the
// concatenation of per-file digests in sorted path order. Sorting makes
// the result independent of enumeration order.
func ComputeHash(files []string) (HashResult, error) {
	if len(files) == 0 {
		return HashResult{}, fmt.Errorf("no configuration files to hash")
	}

	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	perFile := make(map[string]string, len(sorted))
	top := sha256.New()
	for _, path := range sorted {
		content, err := os.ReadFile(path)
		if err != nil {
			return HashResult{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		sum := sha256.Sum256(content)
		digest := hex.EncodeToString(sum[:])
		perFile[path] = digest
		top.Write([]byte(digest))
	}

	return HashResult{
		Algorithm:  Algorithm,
		ComputedAt: time.Now().UTC(),
		Hash:       hex.EncodeToString(top.Sum(nil)),
		Files:      perFile,
	}, nil
}

// HasChanged compares current against the hash recorded in a
// container's labels. An absent label means no prior build was
// recorded, which forces the rebuild path.
func HasChanged(current HashResult, labels map[string]string) ChangeResult {
	existing, ok := labels[naming.LabelConfigHash]
	if !ok || existing == "" {
		return ChangeResult{
			Changed: true,
			Reason:  "no prior build recorded",
		}
	}

	result := ChangeResult{
		ExistingHash:  existing,
		ExistingBuilt: parseBuiltAt(labels[naming.LabelBuiltAt]),
	}

	if existing == current.Hash {
		result.Reason = "configuration unchanged"
		return result
	}

	result.Changed = true
	result.Reason = "configuration hash differs"
	result.ChangedFiles = diffFiles(current.Files, labels[naming.LabelConfigFiles])
	return result
}

// EncodeFileDigests serializes per-file digests for storage in a
// container label.
func EncodeFileDigests(files map[string]string) string {
	data, err := json.Marshal(files)
	if err != nil {
		return ""
	}
	return string(data)
}

// diffFiles lists files whose digest differs from the prior build,
// including files added or removed since. An unparseable prior label
// yields all current files.
func diffFiles(current map[string]string, priorLabel string) []string {
	var prior map[string]string
	if priorLabel != "" {
		if err := json.Unmarshal([]byte(priorLabel), &prior); err != nil {
			prior = nil
		}
	}

	changed := make([]string, 0, len(current))
	if prior == nil {
		for path := range current {
			changed = append(changed, path)
		}
		sort.Strings(changed)
		return changed
	}

	for path, digest := range current {
		if prior[path] != digest {
			changed = append(changed, path)
		}
	}
	for path := range prior {
		if _, ok := current[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func parseBuiltAt(label string) time.Time {
	if label == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, label)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DefaultConfigFiles returns the descriptor plus the build-affecting
// files near it that exist: Dockerfile, compose file, and common
// dependency lockfiles in the project root.
func DefaultConfigFiles(projectPath, descriptorPath string) []string {
	files := []string{descriptorPath}

	descriptorDir := filepath.Dir(descriptorPath)
	candidates := []string{
		filepath.Join(descriptorDir, "Dockerfile"),
		filepath.Join(descriptorDir, "docker-compose.yml"),
		filepath.Join(descriptorDir, "docker-compose.yaml"),
		filepath.Join(projectPath, "Dockerfile"),
		filepath.Join(projectPath, "package-lock.json"),
		filepath.Join(projectPath, "yarn.lock"),
		filepath.Join(projectPath, "pnpm-lock.yaml"),
		filepath.Join(projectPath, "go.sum"),
		filepath.Join(projectPath, "Cargo.lock"),
		filepath.Join(projectPath, "requirements.txt"),
	}

	seen := map[string]bool{descriptorPath: true}
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
			seen[path] = true
		}
	}
	return files
}
