package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pksorensen/devspawn/internal/log"
)

// Client talks to the job queue server.
type Client struct {
	server string
	token  string
	http   *http.Client
}

// NewClient creates a queue client. token may be empty for the initial
// registration call.
func NewClient(server, token string) *Client {
	return &Client{
		server: strings.TrimRight(server, "/"),
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterResponse is the server's answer to a registration request.
type RegisterResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Register creates a runner registration for owner/project.
func (c *Client) Register(ctx context.Context, owner, project, name string) (*RegisterResponse, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	url := fmt.Sprintf("%s/owners/%s/projects/%s/runners", c.server, owner, project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registering runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("registration failed: server returned %d", resp.StatusCode)
	}

	var reg RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("decoding registration response: %w", err)
	}
	if reg.Token == "" {
		return nil, fmt.Errorf("registration response missing token")
	}
	return &reg, nil
}

// ClaimJob asks the server for the next job. No job available (204,
// 404, or an empty body) is a normal outcome, not an error, and
// returns (nil, nil).
func (c *Client) ClaimJob(ctx context.Context, owner, project string) (*Job, error) {
	url := fmt.Sprintf("%s/owners/%s/projects/%s/runners/jobs", c.server, owner, project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building claim request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("claim failed: server returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading claim response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("server returned a job without an id")
	}
	log.Debug("job claimed", "job", job.ID, "run", job.RunID, "branch", job.Branch)
	return &job, nil
}
