package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/MacJediWizard/keldris-desktop/internal/config"
	"github.com/MacJediWizard/keldris-desktop/internal/schedule"
)

// Client calls the remote API of a running desktop process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewClientWithHTTP("http://unix", &http.Client{Transport: transport, Timeout: 30 * time.Second})
}

// NewClientWithHTTP creates a client using a custom base URL and HTTP client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// StartScheduledBackup asks the desktop process to start a due backup.
func (c *Client) StartScheduledBackup(ctx context.Context, id config.ConfigID, due schedule.DueCause) error {
	if err := c.post(ctx, "/v1/StartScheduledBackup", ScheduledBackupRequest{ConfigID: id, DueCause: &due}, nil); err != nil {
		return fmt.Errorf("start scheduled backup: %w", err)
	}
	return nil
}

// StartBackup asks the desktop process to start a backup.
func (c *Client) StartBackup(ctx context.Context, id config.ConfigID) error {
	if err := c.post(ctx, "/v1/StartBackup", BackupRequest{ConfigID: id}, nil); err != nil {
		return fmt.Errorf("start backup: %w", err)
	}
	return nil
}

// ShowOverview asks the desktop process to show the overview.
func (c *Client) ShowOverview(ctx context.Context) error {
	if err := c.post(ctx, "/v1/ShowOverview", struct{}{}, nil); err != nil {
		return fmt.Errorf("show overview: %w", err)
	}
	return nil
}

// ShowSchedule asks the desktop process to show a schedule.
func (c *Client) ShowSchedule(ctx context.Context, id config.ConfigID) error {
	if err := c.post(ctx, "/v1/ShowSchedule", BackupRequest{ConfigID: id}, nil); err != nil {
		return fmt.Errorf("show schedule: %w", err)
	}
	return nil
}

// AbortBackup asks the desktop process to abort a running backup. It
// reports whether a backup was running.
func (c *Client) AbortBackup(ctx context.Context, id config.ConfigID) (bool, error) {
	var resp AbortResponse
	if err := c.postExpect(ctx, "/v1/AbortBackup", BackupRequest{ConfigID: id}, http.StatusOK, &resp); err != nil {
		return false, fmt.Errorf("abort backup: %w", err)
	}
	return resp.Aborted, nil
}

// Status decodes the status of the desktop process into result.
func (c *Client) Status(ctx context.Context, result any) error {
	if err := c.get(ctx, "/v1/status", result); err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	return c.postExpect(ctx, path, payload, http.StatusAccepted, result)
}

func (c *Client) postExpect(ctx context.Context, path string, payload any, want int, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, want, result)
}

func (c *Client) do(req *http.Request, want int, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		return fmt.Errorf("desktop returned %d: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
