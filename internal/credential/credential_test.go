package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testKey = []byte("test-encryption-key-32-bytes!!ab")

func TestFileStore_SaveAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	cred := Credential{
		Name:    "runner-1",
		Kind:    KindPAT,
		Token:   "ghp_test123",
		Server:  "https://queue.example.com",
		SavedAt: time.Now(),
	}

	if err := store.Save(cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get("runner-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Token != cred.Token {
		t.Errorf("Token = %q, want %q", got.Token, cred.Token)
	}
	if got.Kind != KindPAT {
		t.Errorf("Kind = %q, want %q", got.Kind, KindPAT)
	}
}

func TestFileStore_TokenNotPlaintextOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := store.Save(Credential{Name: "runner-1", Token: "ghp_supersecret"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "runner-1.enc"))
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	if strings.Contains(string(raw), "ghp_supersecret") {
		t.Error("token must not appear in plaintext on disk")
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(Credential{Name: "runner-1", Token: "tok"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "runner-1.enc"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credential file permissions = %04o, want 0600", perm)
	}
}

func TestFileStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	store.Save(Credential{Name: "runner-1", Token: "tok"})
	if err := store.Delete("runner-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("runner-1"); err == nil {
		t.Error("expected error after delete, got nil")
	}
}

func TestFileStore_GetNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := store.Get("missing"); err == nil {
		t.Error("expected error for non-existent credential")
	}
}

func TestFileStore_List(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	store.Save(Credential{Name: "runner-1", Token: "a"})
	store.Save(Credential{Name: "runner-2", Token: "b"})

	creds, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(creds) != 2 {
		t.Errorf("expected 2 credentials, got %d", len(creds))
	}
}

func TestFileStore_WrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store.Save(Credential{Name: "runner-1", Token: "tok"})

	other, err := NewFileStore(dir, []byte("different-encryption-key-32-byte"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := other.Get("runner-1"); err == nil {
		t.Error("expected decryption failure with wrong key")
	}
}

func TestFileStore_ShortKeyRejected(t *testing.T) {
	if _, err := NewFileStore(t.TempDir(), []byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}

func TestFileStore_EmptyNameRejected(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Save(Credential{Token: "tok"}); err == nil {
		t.Error("expected error for empty credential name")
	}
}
