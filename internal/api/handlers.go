package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldline/internal/branching"
	"worldline/internal/models"
	"worldline/internal/notify"
	"worldline/internal/provider"
	"worldline/internal/runner"
	"worldline/internal/timeline"
)

const (
	maxTitleLen        = 200
	maxPresetLen       = 8000
	maxTickLabelLen    = 50
	maxContentLen      = 12000
	defaultHistoryLim  = 30
	defaultTimelineLim = 200
	maxTimelineLim     = 500
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Defaults carries config-derived values applied when a create request
// omits them.
type Defaults struct {
	TickLabel       string
	PostGenDelaySec int
}

// Handler wires HTTP routes to the timeline engine and session runner.
type Handler struct {
	store     *timeline.Store
	engine    *branching.Engine
	runner    *runner.Manager
	providers *provider.Service
	hub       *notify.Hub
	defaults  Defaults
}

func NewHandler(store *timeline.Store, engine *branching.Engine, rm *runner.Manager, providers *provider.Service, hub *notify.Hub, defaults Defaults) *Handler {
	return &Handler{
		store:     store,
		engine:    engine,
		runner:    rm,
		providers: providers,
		hub:       hub,
		defaults:  defaults,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")

	session := api.Group("/session")
	session.POST("/create", h.createSession)
	session.GET("/history", h.listSessionHistory)
	session.GET("/:session_id", h.getSessionDetail)
	session.POST("/:session_id/start", h.startSession)
	session.POST("/:session_id/pause", h.pauseSession)
	session.POST("/:session_id/resume", h.resumeSession)
	session.PATCH("/:session_id/settings", h.updateSettings)

	branch := api.Group("/branch")
	branch.GET("/:session_id", h.listBranches)
	branch.POST("/:session_id/fork", h.forkBranch)
	branch.POST("/:session_id/switch", h.switchBranch)

	api.GET("/timeline/:session_id", h.getTimeline)
	api.DELETE("/message/:session_id/last", h.deleteLastMessage)
	api.PATCH("/message/:session_id/:message_id", h.editMessage)
	api.POST("/intervention/:session_id", h.createIntervention)

	prov := api.Group("/provider")
	prov.POST("/:session_id/set", h.setProvider)
	prov.GET("/:session_id/models", h.listModels)
	prov.POST("/:session_id/select-model", h.selectModel)

	router.GET("/ws/:session_id", h.sessionWebSocket)
}

type createSessionRequest struct {
	Title           string `json:"title"`
	WorldPreset     string `json:"world_preset"`
	TickLabel       string `json:"tick_label"`
	PostGenDelaySec *int   `json:"post_gen_delay_sec"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	worldPreset := sanitizeText(req.WorldPreset, maxPresetLen)
	if worldPreset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "world_preset must not be empty"})
		return
	}
	tickLabel := sanitizeText(req.TickLabel, maxTickLabelLen)
	if tickLabel == "" {
		tickLabel = h.defaults.TickLabel
	}
	delay := h.defaults.PostGenDelaySec
	if req.PostGenDelaySec != nil && *req.PostGenDelaySec >= 0 {
		delay = *req.PostGenDelaySec
	}

	ctx := c.Request.Context()
	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.internalError(c, err)
		return
	}
	defer tx.Rollback()
	txStore := h.store.WithTx(tx)

	sessionID := uuid.New().String()
	branchID := uuid.New().String()
	if _, err := txStore.CreateSession(ctx, models.Session{
		ID:              sessionID,
		Title:           sanitizeText(req.Title, maxTitleLen),
		WorldPreset:     worldPreset,
		TickLabel:       tickLabel,
		PostGenDelaySec: delay,
		ActiveBranchID:  branchID,
	}); err != nil {
		h.internalError(c, err)
		return
	}
	if _, err := txStore.CreateBranch(ctx, models.Branch{
		ID:        branchID,
		SessionID: sessionID,
		Name:      "main",
	}); err != nil {
		h.internalError(c, err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       sessionID,
		"active_branch_id": branchID,
		"running":          false,
	})
}

func (h *Handler) listSessionHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLim, 1, 200)
	sessions, err := h.store.ListRecentSessions(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSessionDetail(c *gin.Context) {
	session, err := h.store.GetSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) startSession(c *gin.Context) {
	h.startOrResume(c)
}

func (h *Handler) resumeSession(c *gin.Context) {
	h.startOrResume(c)
}

func (h *Handler) startOrResume(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	if err := h.providers.EnsureReady(ctx, sessionID); err != nil {
		h.providerError(c, err)
		return
	}
	if err := h.runner.Start(ctx, sessionID); err != nil {
		if errors.Is(err, runner.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (h *Handler) pauseSession(c *gin.Context) {
	if err := h.runner.Pause(c.Request.Context(), c.Param("session_id")); err != nil {
		if errors.Is(err, runner.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": false})
}

type settingsPatchRequest struct {
	TickLabel       *string `json:"tick_label"`
	PostGenDelaySec *int    `json:"post_gen_delay_sec"`
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req settingsPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TickLabel != nil {
		cleaned := sanitizeText(*req.TickLabel, maxTickLabelLen)
		if cleaned == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tick_label must not be empty"})
			return
		}
		req.TickLabel = &cleaned
	}
	if req.PostGenDelaySec != nil && *req.PostGenDelaySec < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "post_gen_delay_sec must be >= 0"})
		return
	}

	session, err := h.store.UpdateSettings(c.Request.Context(), c.Param("session_id"), req.TickLabel, req.PostGenDelaySec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": session.Running})
}

func (h *Handler) listBranches(c *gin.Context) {
	activeBranchID, branches, err := h.engine.ListBranches(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_branch_id": activeBranchID,
		"branches":         branches,
	})
}

type forkRequest struct {
	SourceBranchID string `json:"source_branch_id"`
	FromMessageID  string `json:"from_message_id"`
}

func (h *Handler) forkBranch(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SourceBranchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_branch_id is required"})
		return
	}
	branch, err := h.engine.Fork(c.Request.Context(), c.Param("session_id"), req.SourceBranchID, req.FromMessageID)
	if err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": branch})
}

type switchRequest struct {
	BranchID string `json:"branch_id"`
}

func (h *Handler) switchBranch(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BranchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch_id is required"})
		return
	}
	if err := h.engine.Switch(c.Request.Context(), c.Param("session_id"), req.BranchID); err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_branch_id": req.BranchID})
}

func (h *Handler) getTimeline(c *gin.Context) {
	ctx := c.Request.Context()
	session, err := h.store.GetSession(ctx, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.internalError(c, err)
		return
	}
	branchID := c.Query("branch_id")
	if branchID == "" {
		branchID = session.ActiveBranchID
	}
	if branchID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active branch is missing"})
		return
	}
	limit := queryInt(c, "limit", defaultTimelineLim, 1, maxTimelineLim)
	messages, err := h.store.ListRecent(ctx, branchID, limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch_id": branchID, "messages": messages})
}

func (h *Handler) deleteLastMessage(c *gin.Context) {
	sessionID := c.Param("session_id")
	if h.runner.IsGenerating(sessionID) {
		c.JSON(http.StatusConflict, gin.H{"error": "runner is writing to timeline, pause and retry deletion"})
		return
	}
	deleted, err := h.engine.DeleteLast(c.Request.Context(), sessionID, c.Query("branch_id"))
	if err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted_message_id": deleted.ID,
		"branch_id":          deleted.BranchID,
	})
}

type editMessageRequest struct {
	BranchID string `json:"branch_id"`
	Content  string `json:"content"`
}

func (h *Handler) editMessage(c *gin.Context) {
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := sanitizeText(req.Content, maxContentLen)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty"})
		return
	}
	edited, err := h.engine.EditMessage(c.Request.Context(), c.Param("session_id"), req.BranchID, c.Param("message_id"), content)
	if err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": edited})
}

type interventionRequest struct {
	BranchID string `json:"branch_id"`
	Content  string `json:"content"`
}

func (h *Handler) createIntervention(c *gin.Context) {
	var req interventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := sanitizeText(req.Content, maxContentLen)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "intervention content must not be empty"})
		return
	}
	intervention, _, err := h.engine.EnqueueIntervention(c.Request.Context(), c.Param("session_id"), req.BranchID, content)
	if err != nil {
		h.operationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intervention_id": intervention.ID,
		"branch_id":       intervention.BranchID,
	})
}

type setProviderRequest struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	ModelName string `json:"model_name"`
}

func (h *Handler) setProvider(c *gin.Context) {
	var req setProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	cfg, err := h.providers.SetProvider(c.Request.Context(), c.Param("session_id"), req.Provider, req.APIKey, req.BaseURL, req.ModelName)
	if err != nil {
		h.providerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":   cfg.Provider,
		"base_url":   cfg.BaseURL,
		"model_name": cfg.ModelName,
	})
}

func (h *Handler) listModels(c *gin.Context) {
	providerName := c.Query("provider")
	if providerName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider query param is required"})
		return
	}
	names, err := h.providers.ListModels(c.Request.Context(), c.Param("session_id"), providerName)
	if err != nil {
		h.providerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": providerName, "models": names})
}

type selectModelRequest struct {
	ModelName string `json:"model_name"`
}

func (h *Handler) selectModel(c *gin.Context) {
	var req selectModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cfg, err := h.providers.SelectModel(c.Request.Context(), c.Param("session_id"), req.ModelName)
	if err != nil {
		h.providerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": cfg.Provider, "model_name": cfg.ModelName})
}

// sessionWebSocket upgrades the connection, sends the current session
// state and keeps the socket registered for broadcasts until it closes.
func (h *Handler) sessionWebSocket(c *gin.Context) {
	sessionID := c.Param("session_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Send the initial state before the hub can hand the conn to a
	// broadcaster; the connection must have a single writer at a time.
	if session, err := h.store.GetSession(c.Request.Context(), sessionID); err == nil {
		running := session.Running
		if err := conn.WriteJSON(notify.Event{Event: "session_state", Running: &running, ActiveBranchID: session.ActiveBranchID}); err != nil {
			return
		}
	}

	h.hub.Register(sessionID, conn)
	defer h.hub.Unregister(sessionID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) operationError(c *gin.Context, err error) {
	var opErr *branching.OperationError
	if errors.As(err, &opErr) {
		c.JSON(operationStatus(opErr.Code), gin.H{"error": opErr.Message, "code": opErr.Code})
		return
	}
	h.internalError(c, err)
}

func (h *Handler) providerError(c *gin.Context, err error) {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		c.JSON(providerStatus(provErr), gin.H{"error": provErr.Message, "code": provErr.Code})
		return
	}
	h.internalError(c, err)
}

func (h *Handler) internalError(c *gin.Context, err error) {
	log.Printf("api: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func operationStatus(code string) int {
	switch code {
	case branching.CodeSessionNotFound, branching.CodeBranchNotFound, branching.CodeMessageNotFound:
		return http.StatusNotFound
	case branching.CodeGenerationInProgress:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func providerStatus(err *provider.Error) int {
	if err.Retryable {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func sanitizeText(value string, maxLen int) string {
	cleaned := strings.TrimSpace(value)
	if maxLen > 0 && len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}

func queryInt(c *gin.Context, name string, def, min, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		return def
	}
	if value > max {
		return max
	}
	return value
}
