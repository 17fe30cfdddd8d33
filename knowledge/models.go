package knowledge

import (
	"errors"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("knowledge: store unavailable")
	ErrMalformedEntry   = errors.New("knowledge: malformed entry")
	ErrEntryNotFound    = errors.New("knowledge: entry not found")
	ErrInvalidEntry     = errors.New("knowledge: question and answer are required")
)

// Category groups knowledge entries. Categories are soft-disabled, never deleted.
type Category struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Active      bool      `gorm:"column:is_active;not null" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Category) TableName() string {
	return "knowledge_categories"
}

// entryRow is the persisted shape of an entry; keywords stay comma-joined.
type entryRow struct {
	ID         uint      `gorm:"primaryKey"`
	CategoryID uint      `gorm:"not null;index"`
	Keywords   string    `gorm:"type:text;not null"`
	Question   string    `gorm:"type:text;not null"`
	Answer     string    `gorm:"type:text;not null"`
	Priority   int       `gorm:"not null"`
	Active     bool      `gorm:"column:is_active;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (entryRow) TableName() string {
	return "knowledge_base"
}

// Entry is one canned question/answer record as the matcher sees it.
type Entry struct {
	ID           int       `json:"id" yaml:"id"`
	CategoryID   int       `json:"category_id" yaml:"category_id"`
	CategoryName string    `json:"category,omitempty" yaml:"-"`
	Keywords     []string  `json:"keywords" yaml:"keywords"`
	Question     string    `json:"question" yaml:"question"`
	Answer       string    `json:"answer" yaml:"answer"`
	Priority     int       `json:"priority" yaml:"priority"`
	Active       bool      `json:"active" yaml:"active"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// EntryInput carries the fields an administrator may set on an entry.
type EntryInput struct {
	CategoryID int      `json:"category_id" binding:"required"`
	Keywords   []string `json:"keywords"`
	Question   string   `json:"question" binding:"required"`
	Answer     string   `json:"answer" binding:"required"`
	Priority   *int     `json:"priority"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	copied := *e
	copied.Keywords = append([]string(nil), e.Keywords...)
	return &copied
}

// entryFromRow converts a row into an Entry, parsing the keyword column.
func entryFromRow(row entryRow, categoryName string) (Entry, error) {
	keywords, err := ParseKeywords(row.Keywords)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:           int(row.ID),
		CategoryID:   int(row.CategoryID),
		CategoryName: categoryName,
		Keywords:     keywords,
		Question:     row.Question,
		Answer:       row.Answer,
		Priority:     row.Priority,
		Active:       row.Active,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}
