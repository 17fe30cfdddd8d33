package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusbot/authorization"
	"campusbot/chatbot"
	"campusbot/config"
	"campusbot/knowledge"
	"campusbot/storage"
)

const campusSeed = `
categories:
  - name: 인사
    entries:
      - keywords: [안녕, hello]
        question: 안녕하세요
        answer: 안녕하세요! 무엇을 도와드릴까요?
        priority: 5
  - name: 시설
    entries:
      - keywords: [도서관, 시간]
        question: 도서관 운영시간
        answer: 도서관은 평일 9시부터 22시까지 운영합니다.
        priority: 3
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(campusSeed), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadSeedFromFile(t *testing.T) {
	seed, err := loadSeed(context.Background(), &config.Config{}, writeSeed(t))
	require.NoError(t, err)

	categories, entries := seedSize(seed)
	assert.Equal(t, 2, categories)
	assert.Equal(t, 2, entries)
}

func TestLoadSeedErrors(t *testing.T) {
	_, err := loadSeed(context.Background(), &config.Config{}, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadSeed(context.Background(), &config.Config{}, "s3://campus.yaml")
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestPublishSeedRequiresRemoteTarget(t *testing.T) {
	_, err := publishSeed(context.Background(), &config.Config{}, writeSeed(t), "campus.yaml")
	assert.Error(t, err)

	_, err = publishSeed(context.Background(), &config.Config{}, writeSeed(t), "s3://campus.yaml")
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestAskFromSeed(t *testing.T) {
	out, err := runCLI(t, "ask", "--seed", writeSeed(t), "도서관", "운영시간")
	require.NoError(t, err)
	assert.Equal(t, "도서관은 평일 9시부터 22시까지 운영합니다.\n", out)
}

func TestAskJSON(t *testing.T) {
	out, err := runCLI(t, "ask", "--json", "--seed", writeSeed(t), "안녕하세요")
	require.NoError(t, err)

	var reply chatbot.Reply
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, "안녕하세요! 무엇을 도와드릴까요?", reply.Response)
	require.NotNil(t, reply.MatchedID)
	assert.Equal(t, 1, *reply.MatchedID)
	assert.Equal(t, knowledge.StageExactQuestion.String(), reply.Stage)
}

func TestAskFallsBackWithoutMatch(t *testing.T) {
	out, err := runCLI(t, "ask", "--seed", writeSeed(t), "zzzz")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
	assert.NotContains(t, out, "도서관은")
}

func TestSeedMigrateAndAskFromDatabase(t *testing.T) {
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "campusbot.db"))
	seedPath := writeSeed(t)

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	out, err = runCLI(t, "seed", "--dry-run", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 categories, 2 entries")

	out, err = runCLI(t, "seed", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "categories created: 2, categories updated: 0, entries created: 2, entries updated: 0")

	out, err = runCLI(t, "seed", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "categories created: 0, categories updated: 2, entries created: 0, entries updated: 2")

	out, err = runCLI(t, "ask", "안녕하세요")
	require.NoError(t, err)
	assert.Equal(t, "안녕하세요! 무엇을 도와드릴까요?\n", out)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	out, err := runCLI(t, "token", "--user-id", "7", "--admin")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "."))

	t.Setenv("JWT_SECRET", "")
	_, err = runCLI(t, "token")
	assert.ErrorIs(t, err, authorization.ErrMissingSecret)
}

func TestRouterHealthAndCORS(t *testing.T) {
	service := chatbot.NewService(knowledge.NewMatcher(knowledge.NewMemoryStore(), zerolog.Nop()), nil, nil, zerolog.Nop())
	router, err := newRouter(zerolog.Nop(), []string{"http://localhost:3000"}, chatbot.Options{
		Service: service,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthReportsKnowledgeSnapshot(t *testing.T) {
	backing := knowledge.NewMemoryStore()
	backing.PutCategory(knowledge.Category{ID: 1, Name: "인사", Active: true})
	backing.PutEntry(knowledge.Entry{ID: 1, CategoryID: 1, Question: "안녕하세요", Answer: "반가워요", Priority: 1, Active: true})
	cached := knowledge.NewCachedStore(backing, zerolog.Nop())
	service := chatbot.NewService(knowledge.NewMatcher(cached, zerolog.Nop()), nil, nil, zerolog.Nop())

	router, err := newRouter(zerolog.Nop(), nil, chatbot.Options{Service: service, Knowledge: cached, Logger: zerolog.Nop()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string `json:"status"`
		Knowledge struct {
			Entries    int    `json:"entries"`
			LoadedAt   string `json:"loaded_at"`
			AgeSeconds int    `json:"age_seconds"`
		} `json:"knowledge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Knowledge.Entries)
	assert.NotEmpty(t, body.Knowledge.LoadedAt)
	assert.GreaterOrEqual(t, body.Knowledge.AgeSeconds, 0)
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	backing := knowledge.NewMemoryStore()
	backing.SetError(knowledge.ErrStoreUnavailable)
	cached := knowledge.NewCachedStore(backing, zerolog.Nop())
	service := chatbot.NewService(knowledge.NewMatcher(cached, zerolog.Nop()), nil, nil, zerolog.Nop())

	router, err := newRouter(zerolog.Nop(), nil, chatbot.Options{Service: service, Knowledge: cached, Logger: zerolog.Nop()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestRouterRequiresService(t *testing.T) {
	_, err := newRouter(zerolog.Nop(), nil, chatbot.Options{})
	assert.Error(t, err)
}
