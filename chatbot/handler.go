package chatbot

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"campusbot/authorization"
	"campusbot/knowledge"
)

const defaultStatsWindow = 30 * 24 * time.Hour

// KnowledgeAdmin is the administrative side of the knowledge store.
type KnowledgeAdmin interface {
	Categories(ctx context.Context) ([]knowledge.Category, error)
	CreateCategory(ctx context.Context, name, description string) (*knowledge.Category, error)
	EntriesByCategory(ctx context.Context, categoryID int) ([]knowledge.Entry, error)
	CreateEntry(ctx context.Context, input knowledge.EntryInput) (*knowledge.Entry, error)
	UpdateEntry(ctx context.Context, id int, input knowledge.EntryInput) (*knowledge.Entry, error)
	SetEntryActive(ctx context.Context, id int, active bool) error
}

// AnalyticsReporter reads and annotates recorded exchanges.
type AnalyticsReporter interface {
	List(ctx context.Context, limit, offset int) ([]AnalyticsView, error)
	UpdateFeedback(ctx context.Context, id int, feedback string) error
	ResponseTimeStats(ctx context.Context, since time.Time) (ResponseTimeStats, error)
	CategoryStats(ctx context.Context, since time.Time) ([]CategoryStat, error)
}

// Invalidator drops cached knowledge after an administrative write.
type Invalidator interface {
	Invalidate()
}

// Options wires the HTTP module. Knowledge is the read path used for
// listings; Admin and Analytics may be nil, which disables their routes.
type Options struct {
	Service     *Service
	Knowledge   knowledge.Store
	Admin       KnowledgeAdmin
	Invalidator Invalidator
	Analytics   AnalyticsReporter
	Guard       *authorization.Guard
	Limiter     *RateLimiter
	Logger      zerolog.Logger
	StatsWindow time.Duration
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
}

type Module struct {
	service     *Service
	knowledge   knowledge.Store
	admin       KnowledgeAdmin
	invalidator Invalidator
	analytics   AnalyticsReporter
	limiter     *RateLimiter
	logger      zerolog.Logger
	statsWindow time.Duration
	upgrader    websocket.Upgrader
	now         func() time.Time
}

// RegisterRoutes mounts the chatbot endpoints under /chatbot.
func RegisterRoutes(router gin.IRouter, opts Options) (*Module, error) {
	if opts.Service == nil {
		return nil, errors.New("chatbot: service is required")
	}
	window := opts.StatsWindow
	if window <= 0 {
		window = defaultStatsWindow
	}

	m := &Module{
		service:     opts.Service,
		knowledge:   opts.Knowledge,
		admin:       opts.Admin,
		invalidator: opts.Invalidator,
		analytics:   opts.Analytics,
		limiter:     opts.Limiter,
		logger:      opts.Logger.With().Str("component", "chatbot_http").Logger(),
		statsWindow: window,
		upgrader:    newUpgrader(opts.AllowedOrigins),
		now:         time.Now,
	}

	guard := opts.Guard
	authenticated := guard.RequireAuthenticated()
	adminOnly := func(handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(guard.RequireAdmin(), handler)
	}
	limit := opts.Limiter.Middleware()

	group := router.Group("/chatbot")
	group.POST("/message", limit, authenticated, m.handleMessage)
	group.POST("/test", limit, m.handleTest)
	group.GET("/ws", limit, authenticated, m.handleWebSocket)

	group.GET("/knowledge", m.handleListKnowledge)
	group.GET("/categories", m.handleCategories)
	group.POST("/categories", adminOnly(m.handleCreateCategory)...)
	group.POST("/knowledge", adminOnly(m.handleCreateKnowledge)...)
	group.PUT("/knowledge/:id", adminOnly(m.handleUpdateKnowledge)...)
	group.PATCH("/knowledge/:id/active", adminOnly(m.handleSetKnowledgeActive)...)

	group.GET("/analytics", adminOnly(m.handleListAnalytics)...)
	group.GET("/analytics/stats", adminOnly(m.handleAnalyticsStats)...)
	group.POST("/analytics/:id/feedback", authenticated, m.handleFeedback)

	return m, nil
}

type messageRequest struct {
	ChatRoomID int    `json:"chat_room_id" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

type roomContext struct {
	ChatRoomID int  `json:"chat_room_id"`
	UserID     uint `json:"user_id,omitempty"`
}

type matchedKnowledge struct {
	ID         int    `json:"id"`
	Category   string `json:"category"`
	Confidence int    `json:"confidence"`
}

type botMessage struct {
	ChatRoomID int       `json:"chat_room_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type messageResponse struct {
	RequestID        string            `json:"request_id"`
	BotMessage       botMessage        `json:"bot_message"`
	MatchedKnowledge *matchedKnowledge `json:"matched_knowledge"`
}

func (m *Module) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_room_id and content are required"})
		return
	}

	room := roomContext{ChatRoomID: req.ChatRoomID}
	if identity, ok := authorization.CurrentIdentity(c); ok {
		room.UserID = identity.ID
	}

	reply := m.service.Reply(c.Request.Context(), strings.TrimSpace(req.Content), room)
	c.JSON(http.StatusOK, m.buildMessageResponse(req.ChatRoomID, reply))
}

func (m *Module) buildMessageResponse(chatRoomID int, reply Reply) messageResponse {
	response := messageResponse{
		RequestID: reply.RequestID,
		BotMessage: botMessage{
			ChatRoomID: chatRoomID,
			Role:       "bot",
			Content:    reply.Response,
			CreatedAt:  m.now().UTC(),
		},
	}
	if reply.Entry != nil {
		response.MatchedKnowledge = &matchedKnowledge{
			ID:         reply.Entry.ID,
			Category:   reply.Entry.CategoryName,
			Confidence: reply.Score,
		}
	}
	return response
}

type testRequest struct {
	Message string `json:"message" binding:"required"`
}

func (m *Module) handleTest(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	reply := m.service.Reply(c.Request.Context(), req.Message, gin.H{"source": "test"})
	c.JSON(http.StatusOK, gin.H{
		"request_id":        reply.RequestID,
		"user_message":      req.Message,
		"bot_response":      reply.Response,
		"matched_knowledge": reply.Entry,
		"match_stage":       reply.Stage,
		"score":             reply.Score,
		"response_time":     reply.Elapsed.String(),
	})
}

func (m *Module) handleListKnowledge(c *gin.Context) {
	ctx := c.Request.Context()

	if raw := strings.TrimSpace(c.Query("category")); raw != "" {
		categoryID, err := strconv.Atoi(raw)
		if err != nil || categoryID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category"})
			return
		}
		if m.admin == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
			return
		}
		entries, err := m.admin.EntriesByCategory(ctx, categoryID)
		if err != nil {
			m.writeKnowledgeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"knowledge": entries})
		return
	}

	if m.knowledge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge store not configured"})
		return
	}
	entries, err := m.knowledge.ActiveEntries(ctx)
	if err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge": entries})
}

func (m *Module) handleCategories(c *gin.Context) {
	if m.admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
		return
	}
	categories, err := m.admin.Categories(c.Request.Context())
	if err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

type categoryRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (m *Module) handleCreateCategory(c *gin.Context) {
	if m.admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
		return
	}
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	category, err := m.admin.CreateCategory(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"category": category})
}

func (m *Module) handleCreateKnowledge(c *gin.Context) {
	if m.admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
		return
	}
	var input knowledge.EntryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category_id, question and answer are required"})
		return
	}

	entry, err := m.admin.CreateEntry(c.Request.Context(), input)
	if err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	m.invalidate()
	c.JSON(http.StatusCreated, gin.H{"knowledge": entry})
}

func (m *Module) handleUpdateKnowledge(c *gin.Context) {
	if m.admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var input knowledge.EntryInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category_id, question and answer are required"})
		return
	}

	entry, err := m.admin.UpdateEntry(c.Request.Context(), id, input)
	if err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	m.invalidate()
	c.JSON(http.StatusOK, gin.H{"knowledge": entry})
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (m *Module) handleSetKnowledgeActive(c *gin.Context) {
	if m.admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge administration not configured"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active is required"})
		return
	}

	if err := m.admin.SetEntryActive(c.Request.Context(), id, *req.Active); err != nil {
		m.writeKnowledgeError(c, err)
		return
	}
	m.invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

func (m *Module) handleListAnalytics(c *gin.Context) {
	if m.analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := m.analytics.List(c.Request.Context(), limit, offset)
	if err != nil {
		m.logger.Error().Err(err).Msg("list analytics failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analytics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": records})
}

func (m *Module) handleAnalyticsStats(c *gin.Context) {
	if m.analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics not configured"})
		return
	}
	ctx := c.Request.Context()
	since := m.now().Add(-m.statsWindow)

	responseTimes, err := m.analytics.ResponseTimeStats(ctx, since)
	if err != nil {
		m.logger.Error().Err(err).Msg("response time stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load statistics"})
		return
	}
	categories, err := m.analytics.CategoryStats(ctx, since)
	if err != nil {
		m.logger.Error().Err(err).Msg("category stats failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since":          since.UTC(),
		"response_times": responseTimes,
		"categories":     categories,
	})
}

type feedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

func (m *Module) handleFeedback(c *gin.Context) {
	if m.analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics not configured"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feedback is required"})
		return
	}

	if err := m.analytics.UpdateFeedback(c.Request.Context(), id, req.Feedback); err != nil {
		switch {
		case errors.Is(err, ErrInvalidFeedback):
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidFeedback.Error()})
		case errors.Is(err, ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "analytics record not found"})
		default:
			m.logger.Error().Err(err).Int("id", id).Msg("update feedback failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update feedback"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "feedback": strings.ToLower(strings.TrimSpace(req.Feedback))})
}

func (m *Module) invalidate() {
	if m.invalidator != nil {
		m.invalidator.Invalidate()
	}
}

func (m *Module) writeKnowledgeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, knowledge.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "knowledge entry not found"})
	case errors.Is(err, knowledge.ErrCategoryNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "category not found"})
	case errors.Is(err, knowledge.ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{"error": knowledge.ErrInvalidEntry.Error()})
	case errors.Is(err, knowledge.ErrInvalidCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": knowledge.ErrInvalidCategory.Error()})
	case errors.Is(err, knowledge.ErrStoreUnavailable):
		m.logger.Warn().Err(err).Msg("knowledge store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "knowledge store unavailable"})
	default:
		m.logger.Error().Err(err).Msg("knowledge request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "knowledge request failed"})
	}
}

func pathID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
