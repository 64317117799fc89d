package engine

import (
	"testing"

	"github.com/docker/docker/api/types/mount"
)

func TestToDockerMounts(t *testing.T) {
	mounts := toDockerMounts([]Mount{
		{Kind: "volume", Source: "devspawn-myproj", Target: "/workspace"},
		{Kind: "bind", Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", ReadOnly: true},
	})

	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	if mounts[0].Type != mount.TypeVolume {
		t.Errorf("expected volume mount, got %s", mounts[0].Type)
	}
	if mounts[1].Type != mount.TypeBind {
		t.Errorf("expected bind mount, got %s", mounts[1].Type)
	}
	if !mounts[1].ReadOnly {
		t.Error("expected docker socket mount to be read-only")
	}
	if mounts[0].Source != "devspawn-myproj" || mounts[0].Target != "/workspace" {
		t.Errorf("unexpected mount mapping: %+v", mounts[0])
	}
}

func TestToDockerMounts_Empty(t *testing.T) {
	mounts := toDockerMounts(nil)
	if len(mounts) != 0 {
		t.Errorf("expected no mounts, got %d", len(mounts))
	}
}
