package knowledge

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Stage identifies which matching strategy produced a result.
type Stage int

const (
	StageNone Stage = iota
	StageExactQuestion
	StageKeyword
	StageSubstring
	StageFullText
)

func (s Stage) String() string {
	switch s {
	case StageExactQuestion:
		return "exact_question"
	case StageKeyword:
		return "keyword"
	case StageSubstring:
		return "substring"
	case StageFullText:
		return "full_text"
	default:
		return ""
	}
}

const (
	exactQuestionBase   = 100
	keywordHitWeight    = 10
	questionHitWeight   = 20
	substringKeywordHit = 10
	answerHitWeight     = 1
)

// Result is the outcome of a match. Entry is nil when no stage qualified.
type Result struct {
	Entry *Entry
	Score int
	Stage Stage
}

// Matched reports whether any stage produced an entry.
func (r Result) Matched() bool {
	return r.Entry != nil
}

// snapshotSource is implemented by stores that keep a prepared snapshot.
type snapshotSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Matcher runs the staged search over the entries supplied by a Store.
type Matcher struct {
	store  Store
	logger zerolog.Logger
}

func NewMatcher(store Store, logger zerolog.Logger) *Matcher {
	return &Matcher{
		store:  store,
		logger: logger.With().Str("component", "matcher").Logger(),
	}
}

// Match returns the best entry for rawMessage and its score, or (nil, 0).
// Store failures are logged and treated as an empty knowledge base.
func (m *Matcher) Match(ctx context.Context, rawMessage string) (*Entry, int) {
	result, _ := m.Find(ctx, rawMessage)
	return result.Entry, result.Score
}

// Find is Match with the stage and the store error exposed. The returned
// Result is always usable; err only wraps ErrStoreUnavailable.
func (m *Matcher) Find(ctx context.Context, rawMessage string) (Result, error) {
	if m == nil {
		return Result{}, ErrStoreUnavailable
	}
	snap, err := m.snapshot(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("knowledge store unavailable, matching against empty set")
		if !errors.Is(err, ErrStoreUnavailable) {
			err = errors.Join(ErrStoreUnavailable, err)
		}
		return Result{}, err
	}

	result := MatchSnapshot(snap, rawMessage)
	if result.Matched() {
		m.logger.Debug().
			Str("stage", result.Stage.String()).
			Int("entry_id", result.Entry.ID).
			Int("score", result.Score).
			Msg("knowledge entry matched")
	}
	return result, nil
}

func (m *Matcher) snapshot(ctx context.Context) (*Snapshot, error) {
	if m == nil || m.store == nil {
		return nil, ErrStoreUnavailable
	}
	if source, ok := m.store.(snapshotSource); ok {
		return source.Snapshot(ctx)
	}
	entries, err := m.store.ActiveEntries(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(entries), nil
}

// MatchSnapshot runs the four stages against snap. The first stage with a
// candidate wins; later stages are only consulted when earlier ones are empty.
func MatchSnapshot(snap *Snapshot, rawMessage string) Result {
	message := Normalize(rawMessage)
	if message == "" || snap.Len() == 0 {
		return Result{}
	}

	if result, ok := snap.best(StageExactQuestion, func(p *preparedEntry) (int, bool) {
		if p.question == "" || p.question != message {
			return 0, false
		}
		return exactQuestionBase + p.entry.Priority, true
	}); ok {
		return result
	}

	if tokens := Tokenize(message); len(tokens) > 0 {
		if result, ok := snap.best(StageKeyword, func(p *preparedEntry) (int, bool) {
			matchCount := 0
			for _, keyword := range p.entry.Keywords {
				if strings.Contains(message, keyword) {
					matchCount++
				}
			}
			if matchCount == 0 {
				return 0, false
			}
			return matchCount*keywordHitWeight + p.entry.Priority, true
		}); ok {
			return result
		}
	}

	if result, ok := snap.best(StageSubstring, func(p *preparedEntry) (int, bool) {
		weight := substringWeight(p, message)
		if weight == 0 {
			return 0, false
		}
		return weight + p.entry.Priority, true
	}); ok {
		return result
	}

	if result, ok := snap.best(StageFullText, func(p *preparedEntry) (int, bool) {
		if !strings.Contains(p.blob, message) {
			return 0, false
		}
		return p.entry.Priority, true
	}); ok {
		return result
	}

	return Result{}
}

// substringWeight returns the strongest of the question, keyword and answer
// hits for stage three, or zero.
func substringWeight(p *preparedEntry, message string) int {
	if strings.Contains(p.question, message) {
		return questionHitWeight
	}
	for _, keyword := range p.entry.Keywords {
		if strings.Contains(message, keyword) {
			return substringKeywordHit
		}
	}
	if strings.Contains(p.answer, message) {
		return answerHitWeight
	}
	return 0
}

func (s *Snapshot) best(stage Stage, score func(p *preparedEntry) (int, bool)) (Result, bool) {
	var (
		winner    *preparedEntry
		bestScore int
	)
	for i := range s.entries {
		candidate := &s.entries[i]
		value, ok := score(candidate)
		if !ok {
			continue
		}
		if winner == nil || outranks(value, &candidate.entry, bestScore, &winner.entry) {
			winner = candidate
			bestScore = value
		}
	}
	if winner == nil {
		return Result{}, false
	}
	return Result{Entry: winner.entry.clone(), Score: bestScore, Stage: stage}, true
}

// outranks orders candidates by score, then priority, then lowest id.
func outranks(score int, entry *Entry, bestScore int, best *Entry) bool {
	if score != bestScore {
		return score > bestScore
	}
	if entry.Priority != best.Priority {
		return entry.Priority > best.Priority
	}
	return entry.ID < best.ID
}
