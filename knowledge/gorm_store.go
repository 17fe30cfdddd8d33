package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrCategoryNotFound = errors.New("knowledge: category not found")
	ErrInvalidCategory  = errors.New("knowledge: category name is required")
)

// GormStore reads and administers the knowledge base through gorm.
type GormStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewGormStore(db *gorm.DB, logger zerolog.Logger) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	return &GormStore{db: db, logger: logger.With().Str("component", "knowledge_store").Logger()}, nil
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Category{}, &entryRow{})
}

type joinedEntryRow struct {
	ID           uint
	CategoryID   uint
	Keywords     string
	Question     string
	Answer       string
	Priority     int
	IsActive     bool
	UpdatedAt    time.Time
	CategoryName string
}

func (r joinedEntryRow) row() entryRow {
	return entryRow{
		ID:         r.ID,
		CategoryID: r.CategoryID,
		Keywords:   r.Keywords,
		Question:   r.Question,
		Answer:     r.Answer,
		Priority:   r.Priority,
		Active:     r.IsActive,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s *GormStore) joined(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("knowledge_base AS kb").
		Select("kb.id, kb.category_id, kb.keywords, kb.question, kb.answer, kb.priority, kb.is_active, kb.updated_at, kc.name AS category_name").
		Joins("JOIN knowledge_categories kc ON kc.id = kb.category_id")
}

// ActiveEntries loads every entry whose entry and category are active.
// Entries with unparseable keywords are skipped.
func (s *GormStore) ActiveEntries(ctx context.Context) ([]Entry, error) {
	var rows []joinedEntryRow
	err := s.joined(ctx).
		Where("kb.is_active = ? AND kc.is_active = ?", true, true).
		Order("kb.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load active entries: %w", ErrStoreUnavailable, err)
	}
	return s.convert(rows), nil
}

func (s *GormStore) EntryByID(ctx context.Context, id int) (*Entry, error) {
	var rows []joinedEntryRow
	err := s.joined(ctx).
		Where("kb.id = ?", id).
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load entry %d: %w", ErrStoreUnavailable, id, err)
	}
	if len(rows) == 0 {
		return nil, ErrEntryNotFound
	}
	entry, err := entryFromRow(rows[0].row(), rows[0].CategoryName)
	if err != nil {
		return nil, fmt.Errorf("knowledge: entry %d: %w", id, err)
	}
	return &entry, nil
}

// EntriesByCategory lists active entries of one active category, best first.
func (s *GormStore) EntriesByCategory(ctx context.Context, categoryID int) ([]Entry, error) {
	var rows []joinedEntryRow
	err := s.joined(ctx).
		Where("kb.category_id = ? AND kb.is_active = ? AND kc.is_active = ?", categoryID, true, true).
		Order("kb.priority DESC, kb.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load category %d: %w", ErrStoreUnavailable, categoryID, err)
	}
	return s.convert(rows), nil
}

// Categories lists the active categories ordered by id.
func (s *GormStore) Categories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("%w: load categories: %w", ErrStoreUnavailable, err)
	}
	return categories, nil
}

func (s *GormStore) CreateCategory(ctx context.Context, name, description string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidCategory
	}
	category := Category{Name: name, Description: strings.TrimSpace(description), Active: true}
	if err := s.db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, fmt.Errorf("knowledge: create category: %w", err)
	}
	return &category, nil
}

func (s *GormStore) CreateEntry(ctx context.Context, input EntryInput) (*Entry, error) {
	row, err := s.rowFromInput(ctx, input)
	if err != nil {
		return nil, err
	}
	row.Active = true
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("knowledge: create entry: %w", err)
	}
	return s.EntryByID(ctx, int(row.ID))
}

func (s *GormStore) UpdateEntry(ctx context.Context, id int, input EntryInput) (*Entry, error) {
	row, err := s.rowFromInput(ctx, input)
	if err != nil {
		return nil, err
	}
	result := s.db.WithContext(ctx).
		Model(&entryRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"category_id": row.CategoryID,
			"keywords":    row.Keywords,
			"question":    row.Question,
			"answer":      row.Answer,
			"priority":    row.Priority,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("knowledge: update entry %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrEntryNotFound
	}
	return s.EntryByID(ctx, id)
}

// SetEntryActive soft-enables or soft-disables an entry.
func (s *GormStore) SetEntryActive(ctx context.Context, id int, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&entryRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("knowledge: set entry %d active: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *GormStore) rowFromInput(ctx context.Context, input EntryInput) (entryRow, error) {
	question := strings.TrimSpace(input.Question)
	answer := strings.TrimSpace(input.Answer)
	if question == "" || answer == "" {
		return entryRow{}, ErrInvalidEntry
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Category{}).
		Where("id = ?", input.CategoryID).
		Count(&count).Error; err != nil {
		return entryRow{}, fmt.Errorf("knowledge: check category: %w", err)
	}
	if count == 0 {
		return entryRow{}, ErrCategoryNotFound
	}

	priority := 1
	if input.Priority != nil {
		priority = *input.Priority
	}

	return entryRow{
		CategoryID: uint(input.CategoryID),
		Keywords:   JoinKeywords(normalizeKeywordSet(input.Keywords)),
		Question:   question,
		Answer:     answer,
		Priority:   priority,
	}, nil
}

func (s *GormStore) convert(rows []joinedEntryRow) []Entry {
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(row.row(), row.CategoryName)
		if err != nil {
			s.logger.Warn().Err(err).Uint("entry_id", row.ID).Msg("skipping malformed knowledge entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
