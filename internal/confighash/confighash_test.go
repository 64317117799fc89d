package confighash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pksorensen/devspawn/internal/naming"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestComputeHash_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "devcontainer.json", `{"image": "ubuntu"}`)
	b := writeFile(t, dir, "Dockerfile", "FROM ubuntu:24.04\n")

	first, err := ComputeHash([]string{a, b})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	second, err := ComputeHash([]string{a, b})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if first.Hash != second.Hash {
		t.Errorf("hash not deterministic: %s vs %s", first.Hash, second.Hash)
	}
	if len(first.Files) != 2 {
		t.Errorf("expected 2 per-file digests, got %d", len(first.Files))
	}
	if first.Algorithm != Algorithm {
		t.Errorf("expected algorithm %s, got %s", Algorithm, first.Algorithm)
	}
}

func TestComputeHash_OrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "devcontainer.json", `{"image": "ubuntu"}`)
	b := writeFile(t, dir, "Dockerfile", "FROM ubuntu:24.04\n")

	forward, err := ComputeHash([]string{a, b})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	reverse, err := ComputeHash([]string{b, a})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if forward.Hash != reverse.Hash {
		t.Errorf("hash depends on input order: %s vs %s", forward.Hash, reverse.Hash)
	}
}

func TestComputeHash_ContentChange(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "devcontainer.json", `{"image": "ubuntu"}`)

	before, err := ComputeHash([]string{a})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	writeFile(t, dir, "devcontainer.json", `{"image": "debian"}`)
	after, err := ComputeHash([]string{a})
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if before.Hash == after.Hash {
		t.Error("expected hash to change when file content changes")
	}
}

func TestComputeHash_MissingFile(t *testing.T) {
	if _, err := ComputeHash([]string{"/nonexistent/devcontainer.json"}); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestComputeHash_NoFiles(t *testing.T) {
	if _, err := ComputeHash(nil); err == nil {
		t.Error("expected error for empty file list")
	}
}

func TestHasChanged_NoPriorBuild(t *testing.T) {
	result := HasChanged(HashResult{Hash: "abc"}, map[string]string{})
	if !result.Changed {
		t.Error("expected changed when no hash label present")
	}
	if result.Reason != "no prior build recorded" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
}

func TestHasChanged_Unchanged(t *testing.T) {
	current := HashResult{Hash: "abc", Files: map[string]string{"f": "1"}}
	labels := map[string]string{
		naming.LabelConfigHash: "abc",
		naming.LabelBuiltAt:    "2026-08-01T10:00:00Z",
	}
	result := HasChanged(current, labels)
	if result.Changed {
		t.Error("expected unchanged for equal hashes")
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !result.ExistingBuilt.Equal(want) {
		t.Errorf("expected built-at %v, got %v", want, result.ExistingBuilt)
	}
}

func TestHasChanged_DiffersWithFileList(t *testing.T) {
	current := HashResult{
		Hash: "new",
		Files: map[string]string{
			"devcontainer.json": "d1",
			"Dockerfile":        "d2",
		},
	}
	labels := map[string]string{
		naming.LabelConfigHash: "old",
		naming.LabelConfigFiles: EncodeFileDigests(map[string]string{
			"devcontainer.json": "d1",
			"Dockerfile":        "stale",
			"removed.lock":      "gone",
		}),
	}
	result := HasChanged(current, labels)
	if !result.Changed {
		t.Fatal("expected changed for differing hashes")
	}
	want := []string{"Dockerfile", "removed.lock"}
	if len(result.ChangedFiles) != len(want) {
		t.Fatalf("expected changed files %v, got %v", want, result.ChangedFiles)
	}
	for i := range want {
		if result.ChangedFiles[i] != want[i] {
			t.Errorf("expected changed files %v, got %v", want, result.ChangedFiles)
		}
	}
}

func TestHasChanged_UnparseablePriorFiles(t *testing.T) {
	current := HashResult{Hash: "new", Files: map[string]string{"a": "1", "b": "2"}}
	labels := map[string]string{
		naming.LabelConfigHash:  "old",
		naming.LabelConfigFiles: "not json",
	}
	result := HasChanged(current, labels)
	if !result.Changed {
		t.Fatal("expected changed")
	}
	if len(result.ChangedFiles) != 2 {
		t.Errorf("expected all current files listed, got %v", result.ChangedFiles)
	}
}

func TestDefaultConfigFiles(t *testing.T) {
	dir := t.TempDir()
	devDir := filepath.Join(dir, ".devcontainer")
	if err := os.MkdirAll(devDir, 0755); err != nil {
		t.Fatal(err)
	}
	descriptor := writeFile(t, devDir, "devcontainer.json", "{}")
	dockerfile := writeFile(t, devDir, "Dockerfile", "FROM alpine\n")
	lockfile := writeFile(t, dir, "package-lock.json", "{}")

	files := DefaultConfigFiles(dir, descriptor)

	got := map[string]bool{}
	for _, f := range files {
		got[f] = true
	}
	for _, want := range []string{descriptor, dockerfile, lockfile} {
		if !got[want] {
			t.Errorf("expected %s in default config files, got %v", want, files)
		}
	}
	if files[0] != descriptor {
		t.Errorf("descriptor should be first, got %v", files)
	}
}
