package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Registration identifies one polling target: a runner registered against
// a server/owner/project. The issued token lives in the encrypted
// credential store under the registration name, never in this file.
type Registration struct {
	Server   string `yaml:"server"`
	Owner    string `yaml:"owner"`
	Project  string `yaml:"project"`
	RunnerID string `yaml:"runner_id"`
	Name     string `yaml:"name"`
}

// registrationsFile is the on-disk shape of the registrations store.
type registrationsFile struct {
	Registrations []Registration `yaml:"registrations"`
}

// RegistrationsPath returns the path of the registrations file.
func RegistrationsPath() string {
	return filepath.Join(GlobalConfigDir(), "registrations.yaml")
}

// LoadRegistrations reads all stored runner registrations. A missing file
// yields an empty slice, not an error.
func LoadRegistrations(path string) ([]Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registrations: %w", err)
	}

	var f registrationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registrations: %w", err)
	}
	return f.Registrations, nil
}

// SaveRegistration appends a registration to the store, creating the file
// if needed. The file is written 0600.
func SaveRegistration(path string, reg Registration) error {
	existing, err := LoadRegistrations(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f := registrationsFile{Registrations: append(existing, reg)}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling registrations: %w", err)
	}

	// Write to a temp file then rename so a crash never truncates the store.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing registrations: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming registrations: %w", err)
	}
	return nil
}
