package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `
categories:
  - name: 인사
    description: 기본 인사
    entries:
      - keywords: [안녕, hello]
        question: 안녕하세요
        answer: 안녕하세요! 무엇을 도와드릴까요?
        priority: 5
  - name: 입학
    entries:
      - keywords: [입학, 수시]
        question: 입학 정보를 알려주세요
        answer: 입학처 홈페이지를 참고하세요.
        priority: 7
      - keywords: [편입]
        question: 편입 안내
        answer: 편입 모집은 12월에 있습니다.
        active: false
  - name: 보관
    active: false
    entries:
      - question: 예전 질문
        answer: 예전 답변
`

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	require.Len(t, seed.Categories, 3)
	assert.Equal(t, "인사", seed.Categories[0].Name)
	require.Len(t, seed.Categories[1].Entries, 2)
	assert.Equal(t, 7, *seed.Categories[1].Entries[0].Priority)
}

func TestParseSeedRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "categories:\n  - name: a\n    colour: red\n",
		"missing answer":    "categories:\n  - name: a\n    entries:\n      - question: q\n",
		"missing category":  "categories:\n  - description: d\n",
		"not a seed at all": "- just\n- a list\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeed(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}

	seed, err := ParseSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Categories)
}

func TestSeedMemoryStore(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	store := seed.MemoryStore()

	entries, err := store.ActiveEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].ID)
	assert.Equal(t, "인사", entries[0].CategoryName)
	assert.Equal(t, 7, entries[1].Priority)

	matcher := NewMatcher(store, zerolog.Nop())
	entry, _ := matcher.Match(context.Background(), "수시 입학 궁금해요")
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.ID)

	entry, _ = matcher.Match(context.Background(), "편입")
	assert.Nil(t, entry)
}

func TestApplySeedIsIdempotent(t *testing.T) {
	store, _ := newTestGormStore(t)
	ctx := context.Background()

	seed, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)

	stats, err := store.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{CategoriesCreated: 3, EntriesCreated: 4}, stats)

	entries, err := store.ActiveEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	seed.Categories[0].Entries[0].Answer = "반가워요!"
	stats, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedStats{CategoriesUpdated: 3, EntriesUpdated: 4}, stats)

	entries, err = store.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "반가워요!", entries[0].Answer)
}

func TestApplySeedUpdatesExistingCategories(t *testing.T) {
	store, _ := newTestGormStore(t)
	ctx := context.Background()

	seed, err := ParseSeed(strings.NewReader(sampleSeed))
	require.NoError(t, err)
	_, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)

	inactive := false
	seed.Categories[0].Active = &inactive
	seed.Categories[0].Description = "인사말 모음"
	stats, err := store.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CategoriesUpdated)
	assert.Zero(t, stats.CategoriesCreated)

	var greeting Category
	require.NoError(t, store.db.Where("name = ?", "인사").Take(&greeting).Error)
	assert.False(t, greeting.Active)
	assert.Equal(t, "인사말 모음", greeting.Description)

	entries, err := store.ActiveEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "입학 정보를 알려주세요", entries[0].Question)

	active := true
	seed.Categories[2].Active = &active
	_, err = store.ApplySeed(ctx, seed)
	require.NoError(t, err)

	entries, err = store.ActiveEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
