package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	hangulSyllableFirst = '가'
	hangulSyllableLast  = '힣'

	minTokenRunes = 2
)

// Normalize lowercases raw, replaces every rune that is not a Latin letter,
// Hangul syllable, digit or whitespace with a space and collapses whitespace.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range strings.ToLower(raw) {
		if !keepRune(r) || unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func keepRune(r rune) bool {
	switch {
	case r == utf8.RuneError:
		return false
	case r >= hangulSyllableFirst && r <= hangulSyllableLast:
		return true
	case r >= '0' && r <= '9':
		return true
	case unicode.IsLetter(r) && unicode.Is(unicode.Latin, r):
		return true
	default:
		return unicode.IsSpace(r)
	}
}

// Tokenize splits a normalized message on whitespace and drops tokens
// shorter than two characters. Order is preserved and duplicates are kept.
func Tokenize(normalized string) []string {
	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if utf8.RuneCountInString(field) < minTokenRunes {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

// ParseKeywords turns the stored keyword column into an ordered set.
// The column is usually comma-joined ("안녕,hello,hi"); a JSON array is
// accepted as well.
func ParseKeywords(raw string) ([]string, error) {
	if !utf8.ValidString(raw) {
		return nil, fmt.Errorf("%w: keywords are not valid UTF-8", ErrMalformedEntry)
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}, nil
	}

	var parts []string
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
			return nil, fmt.Errorf("%w: decode keyword array: %v", ErrMalformedEntry, err)
		}
	} else {
		parts = strings.Split(trimmed, ",")
	}

	keywords := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		keyword := Normalize(part)
		if keyword == "" {
			continue
		}
		if _, dup := seen[keyword]; dup {
			continue
		}
		seen[keyword] = struct{}{}
		keywords = append(keywords, keyword)
	}
	return keywords, nil
}

// JoinKeywords renders keywords back into the comma-joined storage form.
func JoinKeywords(keywords []string) string {
	return strings.Join(keywords, ",")
}
