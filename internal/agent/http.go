package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"
)

// HTTPConfig configures a collaborator reached over HTTP.
type HTTPConfig struct {
	Name    string            `yaml:"name"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Validate checks the configuration.
func (c HTTPConfig) Validate() error {
	if c.Name == "" {
		return errors.New("collaborator name is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("collaborator %s: base_url must be an http(s) URL", c.Name)
	}
	return nil
}

// HTTPCollaborator forwards tasks to a remote service with POST
// {base_url}/tasks. A 200 response carries the reply message; 202 and 204
// mean the service will answer asynchronously.
type HTTPCollaborator struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

// NewHTTPCollaborator creates an HTTP collaborator.
func NewHTTPCollaborator(cfg HTTPConfig) (*HTTPCollaborator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCollaborator{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name implements Collaborator.
func (c *HTTPCollaborator) Name() string {
	return c.name
}

// Handle implements Collaborator.
func (c *HTTPCollaborator) Handle(ctx context.Context, task schema.Message) (*schema.Message, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, recovery.NewError(recovery.KindValidation, c.name, fmt.Errorf("failed to marshal task: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", task.CorrelationID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, recovery.NewError(recovery.KindAgentCommunication, c.name, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, recovery.NewError(recovery.KindAgentCommunication, c.name,
			fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, recovery.NewError(recovery.KindValidation, c.name,
			fmt.Errorf("%w: collaborator returned %d: %s", schema.ErrValidation, resp.StatusCode, string(body)))
	}

	var reply schema.Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, recovery.NewError(recovery.KindValidation, c.name,
			fmt.Errorf("%w: invalid reply: %v", schema.ErrValidation, err))
	}
	return &reply, nil
}
