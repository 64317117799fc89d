package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/credsrv"
	"github.com/pksorensen/devspawn/internal/spawn"
)

type fakeSpawner struct {
	mu     sync.Mutex
	calls  []spawn.Options
	result *spawn.Result
}

func (f *fakeSpawner) Spawn(ctx context.Context, opts spawn.Options) *spawn.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.result != nil {
		return f.result
	}
	return &spawn.Result{Success: true, ContainerID: "ctr-1", CompletedStep: spawn.StepCompleted}
}

type fakeClone struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeClone) clone(ctx context.Context, url, branch, dest, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dest)
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "main.go"), []byte("package main\n"), 0o644)
}

func newTestDaemon(t *testing.T, spawner *fakeSpawner, clone *fakeClone) *Daemon {
	t.Helper()
	store, _ := openTestStore(t)
	d, err := NewDaemon(DaemonOptions{
		Config:       &config.GlobalConfig{},
		Registration: config.Registration{Owner: "acme", Project: "web", Name: "r1"},
		Client:       NewClient("http://unused.invalid", "tok"),
		Containers:   store,
		Spawner:      spawner,
		Clone:        clone.clone,
		WorkDir:      t.TempDir(),
	})
	require.NoError(t, err)
	return d
}

func TestDaemon_ExecuteJobEphemeral(t *testing.T) {
	spawner := &fakeSpawner{}
	clone := &fakeClone{}
	d := newTestDaemon(t, spawner, clone)

	job := Job{ID: "job-1", RepositoryURL: "https://example.com/r.git", Branch: "main"}
	d.executeJob(context.Background(), job)

	require.Len(t, spawner.calls, 1)
	opts := spawner.calls[0]
	assert.Equal(t, filepath.Join(d.opts.WorkDir, "job-1"), opts.ProjectPath)
	assert.False(t, opts.ReuseExisting)
	assert.True(t, opts.UseBootstrapContainer)

	// Ephemeral clones are deleted once the job finishes.
	_, err := os.Stat(filepath.Join(d.opts.WorkDir, "job-1"))
	assert.True(t, os.IsNotExist(err))

	processed, failed := d.Counters()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
}

func TestDaemon_ExecuteJobNamed(t *testing.T) {
	spawner := &fakeSpawner{}
	clone := &fakeClone{}
	d := newTestDaemon(t, spawner, clone)

	job := Job{ID: "job-1", RepositoryURL: "repo", ContainerName: "api"}
	d.executeJob(context.Background(), job)

	require.Len(t, spawner.calls, 1)
	assert.Equal(t, "api", spawner.calls[0].ProjectName)
	assert.True(t, spawner.calls[0].ReuseExisting)

	entry, err := d.opts.Containers.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "ctr-1", entry.ContainerID)
	assert.False(t, entry.InUse, "named container must be released after the job")

	// Named clones survive for reuse by the next job.
	_, err = os.Stat(entry.ClonePath)
	require.NoError(t, err)
}

func TestDaemon_NamedReusesExistingClone(t *testing.T) {
	spawner := &fakeSpawner{}
	clone := &fakeClone{}
	d := newTestDaemon(t, spawner, clone)

	job := Job{ID: "job-1", RepositoryURL: "repo", ContainerName: "api"}
	d.executeJob(context.Background(), job)
	require.Len(t, clone.calls, 1)

	job.ID = "job-2"
	d.executeJob(context.Background(), job)
	assert.Len(t, clone.calls, 1, "second job must reuse the existing clone")
	assert.Len(t, spawner.calls, 2)
}

func TestDaemon_ForwardsCredentialSocket(t *testing.T) {
	spawner := &fakeSpawner{}
	clone := &fakeClone{}
	store, _ := openTestStore(t)

	sockPath := filepath.Join(t.TempDir(), "runner.sock")
	d, err := NewDaemon(DaemonOptions{
		Config:       &config.GlobalConfig{},
		Registration: config.Registration{Owner: "acme", Project: "web", Name: "r1"},
		Client:       NewClient("http://unused.invalid", "tok"),
		Containers:   store,
		Spawner:      spawner,
		CredServer:   credsrv.NewServer(sockPath, nil),
		Clone:        clone.clone,
		WorkDir:      t.TempDir(),
	})
	require.NoError(t, err)

	d.executeJob(context.Background(), Job{ID: "job-1", RepositoryURL: "repo"})

	require.Len(t, spawner.calls, 1)
	assert.Equal(t, sockPath, spawner.calls[0].CredentialSocket,
		"the job's container must be able to reach the credential socket")
}

func TestDaemon_CloneFailureReleasesContainer(t *testing.T) {
	spawner := &fakeSpawner{}
	clone := &fakeClone{err: os.ErrPermission}
	d := newTestDaemon(t, spawner, clone)

	d.executeJob(context.Background(), Job{ID: "job-1", RepositoryURL: "repo", ContainerName: "api"})

	assert.Empty(t, spawner.calls)
	processed, failed := d.Counters()
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)

	// The slot must be free again even though the job failed.
	_, err := d.opts.Containers.Acquire("api", "repo")
	require.NoError(t, err)
}

func TestDaemon_SpawnFailureCounts(t *testing.T) {
	spawner := &fakeSpawner{result: &spawn.Result{
		Success:       false,
		Message:       "runtime unavailable",
		CompletedStep: spawn.StepRuntimeCheck,
	}}
	clone := &fakeClone{}
	d := newTestDaemon(t, spawner, clone)

	d.executeJob(context.Background(), Job{ID: "job-1", RepositoryURL: "repo"})

	processed, failed := d.Counters()
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)

	// Failed ephemeral clones are still cleaned up.
	_, err := os.Stat(filepath.Join(d.opts.WorkDir, "job-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_ClaimDeduplicates(t *testing.T) {
	d := newTestDaemon(t, &fakeSpawner{}, &fakeClone{})

	assert.True(t, d.claim("job-1"))
	assert.False(t, d.claim("job-1"))
	d.finish("job-1")
	assert.True(t, d.claim("job-1"))
}

func TestDaemon_PollOnce(t *testing.T) {
	var mu sync.Mutex
	served := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if served {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		served = true
		w.Write([]byte(`{"id":"job-1","repositoryUrl":"repo"}`))
	}))
	defer srv.Close()

	spawner := &fakeSpawner{}
	clone := &fakeClone{}
	d := newTestDaemon(t, spawner, clone)
	d.opts.Client = NewClient(srv.URL, "tok")

	d.pollOnce(context.Background())
	require.Len(t, spawner.calls, 1)

	// Second poll finds no job and must not dispatch.
	d.pollOnce(context.Background())
	assert.Len(t, spawner.calls, 1)
}

func TestDaemon_PollOnceToleratesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	spawner := &fakeSpawner{}
	d := newTestDaemon(t, spawner, &fakeClone{})
	d.opts.Client = NewClient(srv.URL, "tok")

	d.pollOnce(context.Background())
	assert.Empty(t, spawner.calls)
}

func TestDaemon_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDaemon(t, &fakeSpawner{}, &fakeClone{})
	d.opts.Client = NewClient(srv.URL, "tok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}
