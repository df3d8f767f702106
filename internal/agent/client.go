// Package agent runs the local side of tidyup: it talks to the registry,
// drives the scan and proposal pipeline for claimed jobs and applies the
// commands queued for its runs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/vault"
)

// ServiceTokenHeader carries the shared service secret.
const ServiceTokenHeader = "X-Service-Token"

// ErrNoControlURL is returned when no registry URL is configured.
var ErrNoControlURL = errors.New("control url not configured")

type authKind int

const (
	authNone authKind = iota
	authService
	authDevice
)

// Client is an HTTP client for the registry. Credentials are read from the
// vault on every request so pairing and bootstrap take effect immediately.
type Client struct {
	mu         sync.RWMutex
	serverURL  string
	vault      vault.SecretVault
	httpClient *http.Client
}

// NewClient creates a registry client.
func NewClient(serverURL string, secrets vault.SecretVault) *Client {
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		vault:     secrets,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetServerURL points the client at a different registry.
func (c *Client) SetServerURL(serverURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = strings.TrimRight(serverURL, "/")
}

// ServerURL returns the configured registry URL.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// StartPairing opens a pairing session.
func (c *Client) StartPairing(ctx context.Context, req models.StartPairingRequest) (*models.StartPairingResponse, error) {
	var resp models.StartPairingResponse
	if err := c.do(ctx, http.MethodPost, "/pairing/start", authService, req, &resp); err != nil {
		return nil, fmt.Errorf("start pairing: %w", err)
	}
	return &resp, nil
}

// CompletePairing redeems a pairing code for device credentials.
func (c *Client) CompletePairing(ctx context.Context, req models.CompletePairingRequest) (*models.CompletePairingResponse, error) {
	var resp models.CompletePairingResponse
	if err := c.do(ctx, http.MethodPost, "/pairing/complete", authNone, req, &resp); err != nil {
		return nil, fmt.Errorf("complete pairing: %w", err)
	}
	return &resp, nil
}

// Heartbeat reports liveness and returns the suggested poll interval.
func (c *Client) Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	var resp models.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/device/heartbeat", authDevice, req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &resp, nil
}

// NextJob claims the next queued job. The response job is nil when the
// queue is empty.
func (c *Client) NextJob(ctx context.Context) (*models.NextJobResponse, error) {
	var resp models.NextJobResponse
	if err := c.do(ctx, http.MethodGet, "/device/jobs/next", authDevice, nil, &resp); err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return &resp, nil
}

// AckJob acknowledges a claimed job.
func (c *Client) AckJob(ctx context.Context, jobID string) error {
	if err := c.do(ctx, http.MethodPost, "/device/jobs/"+url.PathEscape(jobID)+"/ack", authDevice, struct{}{}, nil); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// PostProgress reports a pipeline milestone for a job.
func (c *Client) PostProgress(ctx context.Context, jobID string, req models.ProgressRequest) error {
	if err := c.do(ctx, http.MethodPost, "/device/jobs/"+url.PathEscape(jobID)+"/progress", authDevice, req, nil); err != nil {
		return fmt.Errorf("post progress: %w", err)
	}
	return nil
}

// PostResult replaces the registry's snapshot of a job's run.
func (c *Client) PostResult(ctx context.Context, jobID string, req models.ResultRequest) error {
	if err := c.do(ctx, http.MethodPost, "/device/jobs/"+url.PathEscape(jobID)+"/result", authDevice, req, nil); err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	return nil
}

// GetCommands returns the pending mailboxes of a run.
func (c *Client) GetCommands(ctx context.Context, runID string) (*models.RunCommands, error) {
	var resp models.RunCommands
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/commands", authDevice, nil, &resp); err != nil {
		return nil, fmt.Errorf("get commands: %w", err)
	}
	return &resp, nil
}

// ClearCommand empties one mailbox of a run.
func (c *Client) ClearCommand(ctx context.Context, runID string, kind models.CommandKind) error {
	path := "/runs/" + url.PathEscape(runID) + "/commands/" + url.PathEscape(string(kind))
	if err := c.do(ctx, http.MethodDelete, path, authDevice, nil, nil); err != nil {
		return fmt.Errorf("clear %s command: %w", kind, err)
	}
	return nil
}

// EnqueueJob queues a job for a device.
func (c *Client) EnqueueJob(ctx context.Context, req models.EnqueueJobRequest) (*models.EnqueueJobResponse, error) {
	var resp models.EnqueueJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", authService, req, &resp); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return &resp, nil
}

// SetApprovals mirrors locally made approval decisions into the registry.
func (c *Client) SetApprovals(ctx context.Context, runID string, req models.ApprovalsRequest) error {
	if err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/approvals", authService, req, nil); err != nil {
		return fmt.Errorf("set approvals: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, auth authKind, payload, result any) error {
	base := c.ServerURL()
	if base == "" {
		return ErrNoControlURL
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch auth {
	case authService:
		token := vault.Lookup(c.vault, vault.KeyServiceToken)
		if token == "" {
			return models.NewCodedError(models.CodeMissingServiceAuth, "service token not configured")
		}
		req.Header.Set(ServiceTokenHeader, token)
	case authDevice:
		token := vault.Lookup(c.vault, vault.KeyDeviceToken)
		if token == "" {
			return models.NewCodedError(models.CodeNotPaired, "device is not paired")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}

	if result != nil && len(data) > 0 {
		return json.Unmarshal(data, result)
	}
	return nil
}

// decodeError turns an error body into a CodedError so callers can branch
// on the registry's error token.
func decodeError(status int, data []byte) error {
	var e models.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %w", status, models.NewCodedError(e.Error, e.Message))
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(data)))
}
