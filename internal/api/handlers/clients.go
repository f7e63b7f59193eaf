// Package handlers implements the HTTP handlers for the control-plane
// server.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/control"
	"github.com/linwinbackup/linwin/internal/crypto"
	"github.com/linwinbackup/linwin/internal/registry"
)

// EncryptedRequest is the wire form of every authenticated agent message.
type EncryptedRequest struct {
	EncryptedData string `json:"encrypted_data" binding:"required"`
}

// RegisterRequest is the one unencrypted agent request: it delivers the
// client's public key, so there is nothing to encrypt to yet.
type RegisterRequest struct {
	ClientID  string `json:"client_id" binding:"required"`
	Hostname  string `json:"hostname" binding:"required"`
	System    string `json:"system"`
	Version   string `json:"version"`
	PublicKey string `json:"public_key" binding:"required"`
}

// ClientHandler serves the agent-facing and operator-facing client
// endpoints.
type ClientHandler struct {
	store   registry.Store
	keys    *crypto.KeyPair
	metrics *Metrics
	logger  zerolog.Logger
}

// NewClientHandler creates a ClientHandler backed by the given store and
// server key pair.
func NewClientHandler(store registry.Store, keys *crypto.KeyPair, metrics *Metrics, logger zerolog.Logger) *ClientHandler {
	return &ClientHandler{
		store:   store,
		keys:    keys,
		metrics: metrics,
		logger:  logger.With().Str("component", "client_handler").Logger(),
	}
}

// RegisterRoutes registers the agent endpoints on the given router group.
func (h *ClientHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/public_key", h.PublicKey)
	r.POST("/register_client", h.Register)

	client := r.Group("/client/:id")
	{
		client.POST("/status", h.PostStatus)
		client.GET("/schedule", h.GetSchedule)
		client.POST("/backup/result", h.PostResult)
	}

	clients := r.Group("/clients")
	{
		clients.GET("", h.ListClients)
		clients.GET("/:id", h.GetClient)
		clients.GET("/:id/results", h.GetResults)
		clients.PUT("/:id/schedule", h.PutSchedule)
		clients.DELETE("/:id", h.DeleteClient)
	}
}

// PublicKey returns the server's public key PEM so agents can encrypt
// messages to it.
// GET /api/public_key
func (h *ClientHandler) PublicKey(c *gin.Context) {
	pemData, err := crypto.EncodePublicKey(h.keys.Public)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode server public key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode public key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": string(pemData)})
}

// Register upserts a client record with its public key. Re-registration
// from the same client ID replaces the stored key and metadata but keeps
// the original registration time.
// POST /api/register_client
func (h *ClientHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if _, err := crypto.DecodePublicKey([]byte(req.PublicKey)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid public key"})
		return
	}

	ctx := c.Request.Context()
	err := h.store.WithLock(req.ClientID, func() error {
		existing, err := h.store.Get(ctx, req.ClientID)
		if err != nil && !errors.Is(err, registry.ErrClientNotFound) {
			return err
		}

		client := &registry.Client{
			ID:           req.ClientID,
			Hostname:     req.Hostname,
			System:       req.System,
			Version:      req.Version,
			PublicKeyPEM: req.PublicKey,
			RegisteredAt: time.Now().UTC(),
			LastSeen:     time.Now().UTC(),
		}
		if existing != nil {
			client.RegisteredAt = existing.RegisteredAt
			client.Schedule = existing.Schedule
		}
		return h.store.Put(ctx, client)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", req.ClientID).Msg("failed to register client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register client"})
		return
	}

	h.metrics.Registrations.Inc()
	h.logger.Info().
		Str("client_id", req.ClientID).
		Str("hostname", req.Hostname).
		Msg("client registered")

	c.JSON(http.StatusOK, gin.H{"status": "registered", "client_id": req.ClientID})
}

// PostStatus records a heartbeat. The body is encrypted to the server's
// public key; the decrypted status must carry the same client ID as the
// URL.
// POST /api/client/:id/status
func (h *ClientHandler) PostStatus(c *gin.Context) {
	clientID := c.Param("id")

	var req EncryptedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, clientID); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to load client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load client"})
		return
	}

	status, err := control.Decrypt[control.StatusUpdate](h.keys.Private, req.EncryptedData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to decrypt status"})
		return
	}
	if status.ClientID != clientID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client id mismatch"})
		return
	}

	err = h.store.WithLock(clientID, func() error {
		client, err := h.store.Get(ctx, clientID)
		if err != nil {
			return err
		}
		client.LastSeen = time.Now().UTC()
		client.LastStatus = status
		if status.Hostname != "" {
			client.Hostname = status.Hostname
		}
		if status.Version != "" {
			client.Version = status.Version
		}
		return h.store.Put(ctx, client)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to store status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store status"})
		return
	}

	h.metrics.StatusUpdates.Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetSchedule returns the client's schedule encrypted to its registered
// public key.
// GET /api/client/:id/schedule
func (h *ClientHandler) GetSchedule(c *gin.Context) {
	clientID := c.Param("id")

	client, err := h.store.Get(c.Request.Context(), clientID)
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to load client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load client"})
		return
	}

	pub, err := crypto.DecodePublicKey([]byte(client.PublicKeyPEM))
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("stored public key is invalid")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored public key is invalid"})
		return
	}

	resp := control.ScheduleResponse{Entries: client.Schedule}
	encrypted, err := control.EncryptFor(pub, resp)
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to encrypt schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encrypt schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"encrypted_data": encrypted})
}

// PostResult persists a completed backup run to the client's history.
// POST /api/client/:id/backup/result
func (h *ClientHandler) PostResult(c *gin.Context) {
	clientID := c.Param("id")

	var req EncryptedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.Get(ctx, clientID); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to load client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load client"})
		return
	}

	result, err := control.Decrypt[control.BackupResult](h.keys.Private, req.EncryptedData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to decrypt result"})
		return
	}
	if result.ClientID != clientID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client id mismatch"})
		return
	}

	if err := h.store.AppendResult(ctx, result); err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to store backup result")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store backup result"})
		return
	}

	h.metrics.BackupResults.WithLabelValues(string(result.Outcome)).Inc()
	h.logger.Info().
		Str("client_id", clientID).
		Str("snapshot", result.SnapshotName).
		Str("outcome", string(result.Outcome)).
		Msg("backup result recorded")

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListClients returns all registered clients.
// GET /api/clients
func (h *ClientHandler) ListClients(c *gin.Context) {
	clients, err := h.store.List(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list clients")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list clients"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// GetClient returns a single client record.
// GET /api/clients/:id
func (h *ClientHandler) GetClient(c *gin.Context) {
	client, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load client"})
		return
	}
	c.JSON(http.StatusOK, client)
}

// GetResults returns the most recent backup results for a client.
// GET /api/clients/:id/results?limit=20
func (h *ClientHandler) GetResults(c *gin.Context) {
	clientID := c.Param("id")

	if _, err := h.store.Get(c.Request.Context(), clientID); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load client"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	results, err := h.store.Results(c.Request.Context(), clientID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to load results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// PutSchedule replaces a client's schedule. Agents pick the new schedule
// up on their next refresh.
// PUT /api/clients/:id/schedule
func (h *ClientHandler) PutSchedule(c *gin.Context) {
	clientID := c.Param("id")

	var req struct {
		Entries []control.ScheduleEntry `json:"entries" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	for _, e := range req.Entries {
		if e.Cron == "" || e.Type == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "schedule entries need type and cron"})
			return
		}
	}

	ctx := c.Request.Context()
	err := h.store.WithLock(clientID, func() error {
		client, err := h.store.Get(ctx, clientID)
		if err != nil {
			return err
		}
		client.Schedule = req.Entries
		return h.store.Put(ctx, client)
	})
	if err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to update schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated", "entries": len(req.Entries)})
}

// DeleteClient removes a client and its history.
// DELETE /api/clients/:id
func (h *ClientHandler) DeleteClient(c *gin.Context) {
	clientID := c.Param("id")

	if err := h.store.Delete(c.Request.Context(), clientID); err != nil {
		if errors.Is(err, registry.ErrClientNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		h.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to delete client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete client"})
		return
	}

	h.logger.Info().Str("client_id", clientID).Msg("client deleted")
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
