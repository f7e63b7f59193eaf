// Package registry stores the server's view of registered clients: their
// public keys, schedules, latest status, and backup history.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/linwinbackup/linwin/internal/control"
)

// ErrClientNotFound is returned when no client matches the given ID.
var ErrClientNotFound = errors.New("client not found")

// Client is one registered agent.
type Client struct {
	ID           string                  `json:"id"`
	Hostname     string                  `json:"hostname"`
	System       string                  `json:"system"`
	Version      string                  `json:"version"`
	PublicKeyPEM string                  `json:"public_key"`
	RegisteredAt time.Time               `json:"registered_at"`
	LastSeen     time.Time               `json:"last_seen"`
	LastStatus   *control.StatusUpdate   `json:"last_status,omitempty"`
	Schedule     []control.ScheduleEntry `json:"schedule,omitempty"`
}

// Store persists clients and their backup history. Implementations must
// serialize mutations per client: WithLock runs fn while holding that
// client's lock, so concurrent status posts and re-registrations for the
// same ID cannot interleave.
type Store interface {
	Get(ctx context.Context, id string) (*Client, error)
	Put(ctx context.Context, c *Client) error
	List(ctx context.Context) ([]*Client, error)
	Delete(ctx context.Context, id string) error
	WithLock(id string, fn func() error) error

	AppendResult(ctx context.Context, r *control.BackupResult) error
	Results(ctx context.Context, clientID string, limit int) ([]*control.BackupResult, error)

	Close() error
}
