package runner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*ContainerStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "containers.db")
	store, err := OpenContainerStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestContainerStore_AcquireRelease(t *testing.T) {
	store, _ := openTestStore(t)

	entry, err := store.Acquire("api", "https://example.com/acme/web.git")
	require.NoError(t, err)
	assert.Equal(t, "api", entry.Name)
	assert.True(t, entry.InUse)
	assert.Empty(t, entry.ContainerID)

	_, err = store.Acquire("api", "https://example.com/acme/web.git")
	require.ErrorIs(t, err, ErrInUse)

	require.NoError(t, store.Release("api"))

	entry, err = store.Acquire("api", "https://example.com/acme/web.git")
	require.NoError(t, err)
	assert.True(t, entry.InUse)
}

func TestContainerStore_ReleaseUnknownIsNoop(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Release("never-acquired"))
}

func TestContainerStore_SetContainer(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Acquire("api", "repo")
	require.NoError(t, err)

	require.NoError(t, store.SetContainer("api", "abc123", "/tmp/clones/api"))

	entry, err := store.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "abc123", entry.ContainerID)
	assert.Equal(t, "/tmp/clones/api", entry.ClonePath)
}

func TestContainerStore_SetContainerUnknown(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.SetContainer("ghost", "abc", "/tmp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContainerStore_GetNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContainerStore_List(t *testing.T) {
	store, _ := openTestStore(t)

	for _, name := range []string{"web", "api"} {
		_, err := store.Acquire(name, "repo")
		require.NoError(t, err)
		require.NoError(t, store.Release(name))
	}

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "api", entries[0].Name)
	assert.Equal(t, "web", entries[1].Name)
}

func TestContainerStore_Delete(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Acquire("api", "repo")
	require.NoError(t, err)
	require.NoError(t, store.Delete("api"))

	_, err = store.Get("api")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContainerStore_ResetInUseAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "containers.db")

	store, err := OpenContainerStore(path)
	require.NoError(t, err)
	_, err = store.Acquire("api", "repo")
	require.NoError(t, err)
	// Simulate a crash: close without releasing.
	require.NoError(t, store.Close())

	store, err = OpenContainerStore(path)
	require.NoError(t, err)
	defer store.Close()

	// Without the reset the slot is still held.
	_, err = store.Acquire("api", "repo")
	require.ErrorIs(t, err, ErrInUse)

	require.NoError(t, store.ResetInUse())
	entry, err := store.Acquire("api", "repo")
	require.NoError(t, err)
	assert.True(t, entry.InUse)
}

func TestContainerStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "containers.db")

	store, err := OpenContainerStore(path)
	require.NoError(t, err)
	_, err = store.Acquire("api", "repo")
	require.NoError(t, err)
	require.NoError(t, store.SetContainer("api", "abc123", "/tmp/clones/api"))
	require.NoError(t, store.Close())

	store, err = OpenContainerStore(path)
	require.NoError(t, err)
	defer store.Close()

	entry, err := store.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "abc123", entry.ContainerID)
	assert.Equal(t, "repo", entry.Repository)
}
