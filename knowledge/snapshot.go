package knowledge

import (
	"strings"
	"time"
)

type preparedEntry struct {
	entry    Entry
	question string
	answer   string
	blob     string
}

// Snapshot is an immutable, pre-normalized view of the active knowledge base.
// It is built once per load and shared by every concurrent match.
type Snapshot struct {
	entries  []preparedEntry
	loadedAt time.Time
}

// NewSnapshot copies entries and precomputes their normalized fields.
// Inactive entries are dropped.
func NewSnapshot(entries []Entry) *Snapshot {
	prepared := make([]preparedEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Active {
			continue
		}
		copied := *entry.clone()
		copied.Keywords = normalizeKeywordSet(copied.Keywords)

		question := Normalize(copied.Question)
		answer := Normalize(copied.Answer)
		blob := Normalize(strings.Join(copied.Keywords, " ") + " " + copied.Question + " " + copied.Answer)

		prepared = append(prepared, preparedEntry{
			entry:    copied,
			question: question,
			answer:   answer,
			blob:     blob,
		})
	}
	return &Snapshot{entries: prepared, loadedAt: time.Now().UTC()}
}

// Entries returns a copy of the snapshot's entries.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return []Entry{}
	}
	out := make([]Entry, 0, len(s.entries))
	for i := range s.entries {
		out = append(out, *s.entries[i].entry.clone())
	}
	return out
}

// Len reports how many entries are eligible for matching.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// LoadedAt is the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

func (s *Snapshot) entryByID(id int) (*Entry, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.entries {
		if s.entries[i].entry.ID == id {
			return s.entries[i].entry.clone(), true
		}
	}
	return nil, false
}

func normalizeKeywordSet(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, keyword := range keywords {
		normalized := Normalize(keyword)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
