package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/sync"
)

var errMissingOrchestrator = errors.New("orchestrator dependency required")

// Dependencies wires the local API onto the sync engine.
type Dependencies struct {
	Orchestrator *sync.Orchestrator
	Logger       *zap.Logger
}

// NewHTTPHandler builds the GUI-facing local API. The agent binds it to
// loopback; the POS front end is the only intended client.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		orchestrator: deps.Orchestrator,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.POST("/connect", handler.handleConnect)
	v1.POST("/disconnect", handler.handleDisconnect)
	v1.GET("/status", handler.handleStatus)
	v1.POST("/sync", handler.handleFullSync)
	v1.GET("/devices", handler.handleDevices)
	v1.GET("/collections/:collection/records", handler.handleListRecords)
	v1.POST("/collections/:collection/records", handler.handleUpsertRecord)
	v1.DELETE("/collections/:collection/records/:id", handler.handleDeleteRecord)

	return router, nil
}

type httpHandler struct {
	orchestrator *sync.Orchestrator
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type connectRequestPayload struct {
	TenantID     string `json:"tenant_id"`
	SessionToken string `json:"session_token"`
}

func (h *httpHandler) handleConnect(c *gin.Context) {
	var request connectRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.TenantID) == "" ||
		strings.TrimSpace(request.SessionToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.orchestrator.Connect(c.Request.Context(), request.TenantID, request.SessionToken); err != nil {
		if errors.Is(err, sync.ErrAlreadyConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_connected"})
			return
		}
		h.logger.Warn("connect rejected", zap.String("tenant", request.TenantID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "connect_failed"})
		return
	}
	c.JSON(http.StatusOK, h.statusPayload(c))
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	h.orchestrator.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type statusResponsePayload struct {
	Connected       bool     `json:"connected"`
	Online          bool     `json:"online"`
	Syncing         bool     `json:"syncing"`
	PendingChanges  int64    `json:"pending_changes"`
	LastSyncSeconds int64    `json:"last_sync_s"`
	ActiveDeviceIDs []string `json:"active_device_ids"`
}

func (h *httpHandler) statusPayload(c *gin.Context) statusResponsePayload {
	pending, err := h.orchestrator.PendingChanges(c.Request.Context())
	if err != nil {
		h.logger.Warn("pending change count failed", zap.Error(err))
		pending = -1
	}

	lastSync := int64(0)
	if at := h.orchestrator.LastSyncTime(); !at.IsZero() {
		lastSync = at.Unix()
	}

	devices := h.orchestrator.ActiveDeviceIDs()
	if devices == nil {
		devices = []string{}
	}

	return statusResponsePayload{
		Connected:       h.orchestrator.IsConnected(),
		Online:          h.orchestrator.IsOnline(),
		Syncing:         h.orchestrator.IsSyncing(),
		PendingChanges:  pending,
		LastSyncSeconds: lastSync,
		ActiveDeviceIDs: devices,
	}
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.statusPayload(c))
}

func (h *httpHandler) handleFullSync(c *gin.Context) {
	if err := h.orchestrator.FullSync(c.Request.Context()); err != nil {
		if errors.Is(err, sync.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_connected"})
			return
		}
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, h.statusPayload(c))
}

func (h *httpHandler) handleDevices(c *gin.Context) {
	devices := h.orchestrator.ActiveDeviceIDs()
	if devices == nil {
		devices = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"active_device_ids": devices})
}

type recordListPayload struct {
	Records []map[string]any `json:"records"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	collection := c.Param("collection")
	documents, err := h.orchestrator.GetCached(c.Request.Context(), collection)
	if err != nil {
		h.logger.Error("cached read failed", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}

	response := recordListPayload{Records: make([]map[string]any, 0, len(documents))}
	for _, document := range documents {
		response.Records = append(response.Records, document.Data)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpsertRecord(c *gin.Context) {
	collection := c.Param("collection")

	var record map[string]any
	if err := c.ShouldBindJSON(&record); err != nil || len(record) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	recordID, err := h.orchestrator.CreateOrUpdate(c.Request.Context(), collection, record)
	if err != nil {
		h.writeMutationError(c, collection, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": recordID})
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	collection := c.Param("collection")
	recordID := c.Param("id")

	if err := h.orchestrator.Delete(c.Request.Context(), collection, recordID); err != nil {
		h.writeMutationError(c, collection, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": recordID})
}

func (h *httpHandler) writeMutationError(c *gin.Context, collection string, err error) {
	if errors.Is(err, sync.ErrNotConnected) {
		c.JSON(http.StatusConflict, gin.H{"error": "not_connected"})
		return
	}

	var syncErr *sync.SyncError
	if errors.As(err, &syncErr) && syncErr.Class() == sync.ClassLifecycle {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	h.logger.Error("mutation failed", zap.String("collection", collection), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "mutation_failed"})
}
