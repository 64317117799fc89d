// Package credsrv serves stored runner credentials to spawned
// containers over a Unix socket. The socket path is the trust
// boundary: it lives in a 0700 directory and is only bind-mounted into
// containers that are allowed to fetch the token.
package credsrv

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pksorensen/devspawn/internal/log"
)

// CredentialResponse is what containers receive. The raw token appears
// here and nowhere else: no log line may carry it.
type CredentialResponse struct {
	Kind   string `json:"kind"`
	Token  string `json:"token"`
	Server string `json:"server"`
}

// HealthResponse reports server liveness.
type HealthResponse struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

// Source provides the credential to serve. It is resolved per request
// so token rotation does not require a server restart.
type Source func() (*CredentialResponse, error)

// Server answers credential requests on a Unix socket.
type Server struct {
	sockPath  string
	source    Source
	server    *http.Server
	listener  net.Listener
	startedAt time.Time
}

// NewServer creates a credential server for the given socket path.
func NewServer(sockPath string, source Source) *Server {
	s := &Server{
		sockPath:  sockPath,
		source:    source,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/credential", s.handleCredential)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.sockPath
}

// Start begins listening on the Unix socket. Any stale socket file is
// removed first. The socket's parent directory is created 0700 so only
// the owning user (and explicit container mounts) can reach it.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.sockPath), 0700); err != nil {
		return err
	}
	os.Remove(s.sockPath) // remove stale socket
	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	s.listener = listener
	go func() { _ = s.server.Serve(listener) }()
	log.Info("credential server listening", "socket", s.sockPath)
	return nil
}

// Stop gracefully shuts down the server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	os.Remove(s.sockPath)
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		PID:       os.Getpid(),
		StartedAt: s.startedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleCredential(w http.ResponseWriter, _ *http.Request) {
	cred, err := s.source()
	if err != nil {
		// Log the failure but never the credential material.
		log.Warn("credential lookup failed", "error", err)
		http.Error(w, `{"error":"credential unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	log.Debug("credential served", "kind", cred.Kind)
	writeJSON(w, http.StatusOK, cred)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DefaultSocketPath returns the per-registration socket location under
// the user's devspawn directory.
func DefaultSocketPath(registrationName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".devspawn", "sockets", registrationName+".sock")
}
