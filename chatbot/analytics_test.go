package chatbot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"campusbot/knowledge"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestRepo(t *testing.T) (*AnalyticsRepo, *knowledge.GormStore) {
	t.Helper()
	db := newTestDB(t)
	store, err := knowledge.NewGormStore(db, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())
	repo, err := NewAnalyticsRepo(db)
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate())
	return repo, store
}

func intPtr(v int) *int { return &v }

type memorySink struct {
	mu      sync.Mutex
	records []QueryRecord
	err     error
	block   chan struct{}
}

func (s *memorySink) Save(ctx context.Context, record *QueryRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, *record)
	return nil
}

func (s *memorySink) all() []QueryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueryRecord(nil), s.records...)
}

func TestRecorderDrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	recorder := NewRecorder(sink, 8, zerolog.Nop())

	recorder.Record("안녕하세요", "안녕하세요! 무엇을 도와드릴까요?", intPtr(1), 12*time.Millisecond)
	recorder.Record("asdkfjalskdjf", "fallback", nil, -time.Millisecond)

	require.NoError(t, recorder.Close(context.Background()))
	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, 1, *records[0].MatchedEntryID)
	assert.EqualValues(t, 12, records[0].ResponseTimeMs)
	assert.Nil(t, records[1].MatchedEntryID)
	assert.Zero(t, records[1].ResponseTimeMs)

	assert.False(t, recorder.RecordQuery(QueryRecord{UserMessage: "late"}))
	assert.NoError(t, recorder.Close(context.Background()))
}

func TestRecorderNeverBlocks(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	recorder := NewRecorder(sink, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			recorder.Record("q", "a", nil, time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	close(sink.block)
	require.NoError(t, recorder.Close(context.Background()))
	assert.Less(t, len(sink.all()), 50)
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	recorder := NewRecorder(sink, 4, zerolog.Nop())
	recorder.Record("q", "a", nil, time.Millisecond)
	assert.NoError(t, recorder.Close(context.Background()))

	var nilRecorder *Recorder
	nilRecorder.Record("q", "a", nil, 0)
	assert.NoError(t, nilRecorder.Close(context.Background()))
}

func TestRecorderCloseHonoursContext(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	recorder := NewRecorder(sink, 4, zerolog.Nop())
	recorder.Record("q", "a", nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, recorder.Close(ctx), context.DeadlineExceeded)
	close(sink.block)
}

func TestAnalyticsRepoListAndFeedback(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	category, err := store.CreateCategory(ctx, "입학", "")
	require.NoError(t, err)
	entry, err := store.CreateEntry(ctx, knowledge.EntryInput{CategoryID: int(category.ID), Keywords: []string{"입학"}, Question: "입학 안내", Answer: "입학처를 참고하세요"})
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, &QueryRecord{UserMessage: "입학", BotResponse: entry.Answer, MatchedEntryID: &entry.ID, ResponseTimeMs: 4, Context: datatypes.JSON(`{"chat_room_id":7}`)}))
	fallback := &QueryRecord{UserMessage: "???", BotResponse: "fallback", ResponseTimeMs: 2}
	require.NoError(t, repo.Save(ctx, fallback))

	views, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	byMessage := map[string]AnalyticsView{}
	for _, view := range views {
		byMessage[view.UserMessage] = view
	}
	require.NotNil(t, byMessage["입학"].CategoryName)
	assert.Equal(t, "입학", *byMessage["입학"].CategoryName)
	assert.Equal(t, "입학 안내", *byMessage["입학"].MatchedQuestion)
	assert.Nil(t, byMessage["???"].CategoryName)

	require.NoError(t, repo.UpdateFeedback(ctx, int(fallback.ID), " Helpful "))
	assert.ErrorIs(t, repo.UpdateFeedback(ctx, int(fallback.ID), "meh"), ErrInvalidFeedback)
	assert.ErrorIs(t, repo.UpdateFeedback(ctx, 9999, FeedbackNotHelpful), ErrRecordNotFound)

	var stored QueryRecord
	require.NoError(t, repo.db.First(&stored, fallback.ID).Error)
	require.NotNil(t, stored.UserFeedback)
	assert.Equal(t, FeedbackHelpful, *stored.UserFeedback)
}

func TestAnalyticsRepoStats(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	empty, err := repo.ResponseTimeStats(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, ResponseTimeStats{}, empty)

	admission, err := store.CreateCategory(ctx, "입학", "")
	require.NoError(t, err)
	campus, err := store.CreateCategory(ctx, "캠퍼스", "")
	require.NoError(t, err)
	a, err := store.CreateEntry(ctx, knowledge.EntryInput{CategoryID: int(admission.ID), Question: "입학 안내", Answer: "a"})
	require.NoError(t, err)
	c, err := store.CreateEntry(ctx, knowledge.EntryInput{CategoryID: int(campus.ID), Question: "캠퍼스 시설", Answer: "c"})
	require.NoError(t, err)

	for _, record := range []QueryRecord{
		{UserMessage: "1", BotResponse: "a", MatchedEntryID: &a.ID, ResponseTimeMs: 10},
		{UserMessage: "2", BotResponse: "a", MatchedEntryID: &a.ID, ResponseTimeMs: 30},
		{UserMessage: "3", BotResponse: "c", MatchedEntryID: &c.ID, ResponseTimeMs: 5},
		{UserMessage: "4", BotResponse: "fallback", ResponseTimeMs: 15},
	} {
		record := record
		require.NoError(t, repo.Save(ctx, &record))
	}

	stats, err := repo.ResponseTimeStats(ctx, since)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.TotalQueries)
	assert.EqualValues(t, 5, stats.MinResponseTime)
	assert.EqualValues(t, 30, stats.MaxResponseTime)
	assert.InDelta(t, 15.0, stats.AvgResponseTime, 0.001)

	categories, err := repo.CategoryStats(ctx, since)
	require.NoError(t, err)
	require.Len(t, categories, 2)
	assert.Equal(t, "입학", categories[0].CategoryName)
	assert.EqualValues(t, 2, categories[0].QuestionCount)
	assert.InDelta(t, 20.0, categories[0].AvgResponseTime, 0.001)

	future, err := repo.ResponseTimeStats(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, future.TotalQueries)
}
