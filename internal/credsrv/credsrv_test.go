package credsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func socketClient(sockPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func startServer(t *testing.T, source Source) (*Server, *http.Client) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "runner.sock")
	srv := NewServer(sockPath, source)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, socketClient(sockPath)
}

func TestServer_ServesCredential(t *testing.T) {
	_, client := startServer(t, func() (*CredentialResponse, error) {
		return &CredentialResponse{Kind: "pat", Token: "ghp_secret", Server: "https://queue.example.com"}, nil
	})

	resp, err := client.Get("http://unix/v1/credential")
	if err != nil {
		t.Fatalf("GET credential: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var cred CredentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if cred.Token != "ghp_secret" {
		t.Errorf("unexpected token %q", cred.Token)
	}
	if cred.Kind != "pat" {
		t.Errorf("unexpected kind %q", cred.Kind)
	}
}

func TestServer_SourceFailure(t *testing.T) {
	_, client := startServer(t, func() (*CredentialResponse, error) {
		return nil, errors.New("store locked")
	})

	resp, err := client.Get("http://unix/v1/credential")
	if err != nil {
		t.Fatalf("GET credential: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestServer_Health(t *testing.T) {
	_, client := startServer(t, func() (*CredentialResponse, error) { return nil, nil })

	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), health.PID)
	}
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "runner.sock")
	if err := os.WriteFile(sockPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(sockPath, func() (*CredentialResponse, error) { return nil, nil })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Stop(ctx)
}

func TestServer_StopRemovesSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "runner.sock")
	srv := NewServer(sockPath, func() (*CredentialResponse, error) { return nil, nil })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed on stop")
	}
}
