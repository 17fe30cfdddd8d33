package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrRecordNotFound  = errors.New("chatbot: analytics record not found")
	ErrInvalidFeedback = errors.New("chatbot: feedback must be helpful or not_helpful")
)

const (
	FeedbackHelpful    = "helpful"
	FeedbackNotHelpful = "not_helpful"
)

// QueryRecord is one answered message. MatchedEntryID is nil exactly when
// the fallback reply was used.
type QueryRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	RequestID      string         `gorm:"size:36;index" json:"request_id"`
	UserMessage    string         `gorm:"type:text;not null" json:"user_message"`
	BotResponse    string         `gorm:"type:text;not null" json:"bot_response"`
	MatchedEntryID *int           `gorm:"column:matched_knowledge_id;index" json:"matched_knowledge_id"`
	MatchStage     string         `gorm:"size:32" json:"match_stage,omitempty"`
	MatchScore     int            `json:"match_score"`
	ResponseTimeMs int64          `gorm:"not null" json:"response_time_ms"`
	Context        datatypes.JSON `json:"context,omitempty"`
	UserFeedback   *string        `gorm:"size:16" json:"user_feedback"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
}

func (QueryRecord) TableName() string {
	return "chat_analytics"
}

// AnalyticsSink persists query records.
type AnalyticsSink interface {
	Save(ctx context.Context, record *QueryRecord) error
}

// AnalyticsView is a QueryRecord joined with the entry it matched.
type AnalyticsView struct {
	QueryRecord
	MatchedQuestion *string `json:"matched_question"`
	CategoryID      *int    `json:"category_id"`
	CategoryName    *string `json:"category_name"`
}

type ResponseTimeStats struct {
	AvgResponseTime float64 `json:"avg_response_time"`
	MinResponseTime int64   `json:"min_response_time"`
	MaxResponseTime int64   `json:"max_response_time"`
	TotalQueries    int64   `json:"total_queries"`
}

type CategoryStat struct {
	CategoryName    string  `json:"category_name"`
	QuestionCount   int64   `json:"question_count"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// AnalyticsRepo stores and reports on query records with gorm.
type AnalyticsRepo struct {
	db *gorm.DB
}

func NewAnalyticsRepo(db *gorm.DB) (*AnalyticsRepo, error) {
	if db == nil {
		return nil, errors.New("chatbot: database connection is required")
	}
	return &AnalyticsRepo{db: db}, nil
}

func (r *AnalyticsRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&QueryRecord{})
}

func (r *AnalyticsRepo) Save(ctx context.Context, record *QueryRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("chatbot: save analytics: %w", err)
	}
	return nil
}

// List returns the newest records first.
func (r *AnalyticsRepo) List(ctx context.Context, limit, offset int) ([]AnalyticsView, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var views []AnalyticsView
	err := r.db.WithContext(ctx).
		Table("chat_analytics AS ca").
		Select("ca.*, kb.question AS matched_question, kb.category_id AS category_id, kc.name AS category_name").
		Joins("LEFT JOIN knowledge_base kb ON ca.matched_knowledge_id = kb.id").
		Joins("LEFT JOIN knowledge_categories kc ON kb.category_id = kc.id").
		Order("ca.created_at DESC, ca.id DESC").
		Limit(limit).
		Offset(offset).
		Scan(&views).Error
	if err != nil {
		return nil, fmt.Errorf("chatbot: list analytics: %w", err)
	}
	return views, nil
}

// UpdateFeedback records the user's verdict on a reply.
func (r *AnalyticsRepo) UpdateFeedback(ctx context.Context, id int, feedback string) error {
	feedback = strings.ToLower(strings.TrimSpace(feedback))
	if feedback != FeedbackHelpful && feedback != FeedbackNotHelpful {
		return ErrInvalidFeedback
	}

	result := r.db.WithContext(ctx).
		Model(&QueryRecord{}).
		Where("id = ?", id).
		Update("user_feedback", feedback)
	if result.Error != nil {
		return fmt.Errorf("chatbot: update feedback %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ResponseTimeStats summarizes response times recorded since the given time.
func (r *AnalyticsRepo) ResponseTimeStats(ctx context.Context, since time.Time) (ResponseTimeStats, error) {
	var row struct {
		AvgResponseTime *float64
		MinResponseTime *int64
		MaxResponseTime *int64
		TotalQueries    int64
	}
	err := r.db.WithContext(ctx).
		Model(&QueryRecord{}).
		Select("AVG(response_time_ms) AS avg_response_time, MIN(response_time_ms) AS min_response_time, MAX(response_time_ms) AS max_response_time, COUNT(*) AS total_queries").
		Where("created_at >= ?", since.UTC()).
		Scan(&row).Error
	if err != nil {
		return ResponseTimeStats{}, fmt.Errorf("chatbot: response time stats: %w", err)
	}

	stats := ResponseTimeStats{TotalQueries: row.TotalQueries}
	if row.AvgResponseTime != nil {
		stats.AvgResponseTime = *row.AvgResponseTime
	}
	if row.MinResponseTime != nil {
		stats.MinResponseTime = *row.MinResponseTime
	}
	if row.MaxResponseTime != nil {
		stats.MaxResponseTime = *row.MaxResponseTime
	}
	return stats, nil
}

// CategoryStats counts matched questions per category since the given time.
func (r *AnalyticsRepo) CategoryStats(ctx context.Context, since time.Time) ([]CategoryStat, error) {
	var stats []CategoryStat
	err := r.db.WithContext(ctx).
		Table("chat_analytics AS ca").
		Select("kc.name AS category_name, COUNT(*) AS question_count, AVG(ca.response_time_ms) AS avg_response_time").
		Joins("JOIN knowledge_base kb ON ca.matched_knowledge_id = kb.id").
		Joins("JOIN knowledge_categories kc ON kb.category_id = kc.id").
		Where("ca.created_at >= ?", since.UTC()).
		Group("kc.id, kc.name").
		Order("question_count DESC, kc.name ASC").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("chatbot: category stats: %w", err)
	}
	return stats, nil
}

const (
	defaultRecorderBuffer = 256
	saveTimeout           = 5 * time.Second
)

// Recorder writes query records in the background. Record never blocks: when
// the queue is full the record is dropped and a warning is logged.
type Recorder struct {
	sink   AnalyticsSink
	queue  chan QueryRecord
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the background writer.
func NewRecorder(sink AnalyticsSink, buffer int, logger zerolog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		sink:   sink,
		queue:  make(chan QueryRecord, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "analytics").Logger(),
	}
	go r.run()
	return r
}

// Record queues a minimal record for the given exchange.
func (r *Recorder) Record(query, response string, matchedID *int, elapsed time.Duration) {
	r.RecordQuery(QueryRecord{
		UserMessage:    query,
		BotResponse:    response,
		MatchedEntryID: matchedID,
		ResponseTimeMs: elapsed.Milliseconds(),
	})
}

// RecordQuery queues record and reports whether it was accepted.
func (r *Recorder) RecordQuery(record QueryRecord) bool {
	if r == nil {
		return false
	}
	if record.ResponseTimeMs < 0 {
		record.ResponseTimeMs = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn().Str("request_id", record.RequestID).Msg("recorder closed, dropping analytics record")
		return false
	}

	select {
	case r.queue <- record:
		return true
	default:
		r.logger.Warn().Str("request_id", record.RequestID).Msg("analytics queue full, dropping record")
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for record := range r.queue {
		r.save(record)
	}
}

func (r *Recorder) save(record QueryRecord) {
	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("analytics sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := r.sink.Save(ctx, &record); err != nil {
		r.logger.Warn().Err(err).Str("request_id", record.RequestID).Msg("failed to store analytics record")
	}
}
