package runner

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when a named container doesn't exist.
var ErrNotFound = errors.New("named container not found")

// ErrInUse is returned when a named container is held by another job.
var ErrInUse = errors.New("named container is in use")

// NamedContainerEntry tracks a container kept alive across jobs.
type NamedContainerEntry struct {
	Name        string
	ContainerID string
	ClonePath   string
	Repository  string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	InUse       bool
}

// ContainerStore persists the named-container table in SQLite. Every
// mutation is written through to disk; a single mutex serializes
// access so only one job can hold an entry at a time.
type ContainerStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenContainerStore opens or creates the store at the given path.
func OpenContainerStore(path string) (*ContainerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS named_containers (
			name         TEXT PRIMARY KEY,
			container_id TEXT NOT NULL DEFAULT '',
			clone_path   TEXT NOT NULL DEFAULT '',
			repository   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			last_used_at TEXT NOT NULL,
			in_use       INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &ContainerStore{db: db}, nil
}

// ResetInUse clears every in-use flag. The daemon calls this on
// startup: a previous daemon that crashed while holding an entry must
// not block jobs forever. Read-only consumers skip it so they never
// release a slot held by a running daemon.
func (s *ContainerStore) ResetInUse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE named_containers SET in_use = 0`); err != nil {
		return fmt.Errorf("resetting in-use flags: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *ContainerStore) Close() error {
	return s.db.Close()
}

// Acquire marks a named container as held by a job, creating the entry
// on first use. Returns ErrInUse when another job holds it.
func (s *ContainerStore) Acquire(name, repository string) (*NamedContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(name)
	if errors.Is(err, ErrNotFound) {
		now := time.Now().UTC()
		entry = &NamedContainerEntry{
			Name:       name,
			Repository: repository,
			CreatedAt:  now,
			LastUsedAt: now,
			InUse:      true,
		}
		if _, err := s.db.Exec(`
			INSERT INTO named_containers (name, repository, created_at, last_used_at, in_use)
			VALUES (?, ?, ?, ?, 1)
		`, name, repository, fmtTime(now), fmtTime(now)); err != nil {
			return nil, fmt.Errorf("inserting named container: %w", err)
		}
		return entry, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.InUse {
		return nil, fmt.Errorf("%w: %s", ErrInUse, name)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`
		UPDATE named_containers SET in_use = 1, last_used_at = ? WHERE name = ?
	`, fmtTime(now), name); err != nil {
		return nil, fmt.Errorf("acquiring named container: %w", err)
	}
	entry.InUse = true
	entry.LastUsedAt = now
	return entry, nil
}

// Release clears the in-use flag. Releasing an unknown or already
// released entry is not an error so failure paths can call it
// unconditionally.
func (s *ContainerStore) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		UPDATE named_containers SET in_use = 0 WHERE name = ?
	`, name); err != nil {
		return fmt.Errorf("releasing named container: %w", err)
	}
	return nil
}

// SetContainer records the container id and clone path after a
// successful spawn.
func (s *ContainerStore) SetContainer(name, containerID, clonePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE named_containers SET container_id = ?, clone_path = ? WHERE name = ?
	`, containerID, clonePath, name)
	if err != nil {
		return fmt.Errorf("updating named container: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Get returns one entry by name.
func (s *ContainerStore) Get(name string) (*NamedContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name)
}

func (s *ContainerStore) get(name string) (*NamedContainerEntry, error) {
	row := s.db.QueryRow(`
		SELECT name, container_id, clone_path, repository, created_at, last_used_at, in_use
		FROM named_containers WHERE name = ?
	`, name)
	return scanEntry(row)
}

// List returns all entries ordered by name.
func (s *ContainerStore) List() ([]NamedContainerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT name, container_id, clone_path, repository, created_at, last_used_at, in_use
		FROM named_containers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing named containers: %w", err)
	}
	defer rows.Close()

	var entries []NamedContainerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Delete removes an entry when its container is deleted.
func (s *ContainerStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM named_containers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting named container: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*NamedContainerEntry, error) {
	var entry NamedContainerEntry
	var createdAt, lastUsedAt string
	var inUse int
	err := row.Scan(&entry.Name, &entry.ContainerID, &entry.ClonePath,
		&entry.Repository, &createdAt, &lastUsedAt, &inUse)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning named container: %w", err)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
	entry.InUse = inUse != 0
	return &entry, nil
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
