// Package agent implements the backup agent: the control-plane client,
// the offline result queue, and the scheduling daemon.
package agent

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/control"
	"github.com/linwinbackup/linwin/internal/crypto"
)

// Client talks to the control-plane server. Every message after
// registration travels inside an encrypted envelope: requests are sealed
// to the server's public key, responses to the agent's.
type Client struct {
	serverURL  string
	clientID   string
	keys       *crypto.KeyPair
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.Mutex
	serverKey *rsa.PublicKey
}

// NewClient creates a control-plane client. The caller is expected to have
// verified the server against the authorized-servers allow list first.
func NewClient(serverURL, clientID string, keys *crypto.KeyPair, logger zerolog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		clientID:  clientID,
		keys:      keys,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "control_client").Logger(),
	}
}

// ServerKey returns the server's public key, fetching and caching it on
// first use.
func (c *Client) ServerKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverKey != nil {
		return c.serverKey, nil
	}

	var resp struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.get(ctx, "/api/public_key", &resp); err != nil {
		return nil, fmt.Errorf("fetch server key: %w", err)
	}
	key, err := crypto.DecodePublicKey([]byte(resp.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("decode server key: %w", err)
	}
	c.serverKey = key
	return key, nil
}

// Register announces this agent to the server, delivering its public key.
func (c *Client) Register(ctx context.Context, hostname, system, version string) error {
	pemData, err := crypto.EncodePublicKey(c.keys.Public)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}

	body := map[string]string{
		"client_id":  c.clientID,
		"hostname":   hostname,
		"system":     system,
		"version":    version,
		"public_key": string(pemData),
	}
	if err := c.post(ctx, "/api/register_client", body, nil); err != nil {
		return fmt.Errorf("register client: %w", err)
	}

	c.logger.Info().Str("client_id", c.clientID).Msg("registered with server")
	return nil
}

// PostStatus sends a heartbeat, sealed to the server's key.
func (c *Client) PostStatus(ctx context.Context, status *control.StatusUpdate) error {
	if err := c.postEncrypted(ctx, "/api/client/"+c.clientID+"/status", status); err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	return nil
}

// PostResult reports a finished backup run, sealed to the server's key.
func (c *Client) PostResult(ctx context.Context, result *control.BackupResult) error {
	if err := c.postEncrypted(ctx, "/api/client/"+c.clientID+"/backup/result", result); err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	return nil
}

// FetchSchedule retrieves this agent's schedule. The server seals the
// response to the agent's registered public key, so a reply only this
// agent can open also proves the server knows the registration.
func (c *Client) FetchSchedule(ctx context.Context) ([]control.ScheduleEntry, error) {
	var resp struct {
		EncryptedData string `json:"encrypted_data"`
	}
	if err := c.get(ctx, "/api/client/"+c.clientID+"/schedule", &resp); err != nil {
		return nil, fmt.Errorf("fetch schedule: %w", err)
	}

	sched, err := control.Decrypt[control.ScheduleResponse](c.keys.Private, resp.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("decrypt schedule: %w", err)
	}
	return sched.Entries, nil
}

// CheckHealth checks whether the server is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postEncrypted(ctx context.Context, path string, msg any) error {
	serverKey, err := c.ServerKey(ctx)
	if err != nil {
		return err
	}
	encrypted, err := control.EncryptFor(serverKey, msg)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	return c.post(ctx, path, map[string]string{"encrypted_data": encrypted}, nil)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}
