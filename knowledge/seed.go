package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Seed is the YAML document used to bootstrap a knowledge base.
type Seed struct {
	Categories []SeedCategory `yaml:"categories"`
}

type SeedCategory struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Active      *bool       `yaml:"active"`
	Entries     []SeedEntry `yaml:"entries"`
}

type SeedEntry struct {
	Keywords []string `yaml:"keywords"`
	Question string   `yaml:"question"`
	Answer   string   `yaml:"answer"`
	Priority *int     `yaml:"priority"`
	Active   *bool    `yaml:"active"`
}

// SeedStats summarizes what ApplySeed changed.
type SeedStats struct {
	CategoriesCreated int `json:"categories_created"`
	CategoriesUpdated int `json:"categories_updated"`
	EntriesCreated    int `json:"entries_created"`
	EntriesUpdated    int `json:"entries_updated"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(r io.Reader) (*Seed, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var seed Seed
	if err := decoder.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &Seed{}, nil
		}
		return nil, fmt.Errorf("knowledge: decode seed: %w", err)
	}

	for ci, category := range seed.Categories {
		if strings.TrimSpace(category.Name) == "" {
			return nil, fmt.Errorf("knowledge: seed category %d has no name", ci+1)
		}
		for ei, entry := range category.Entries {
			if strings.TrimSpace(entry.Question) == "" || strings.TrimSpace(entry.Answer) == "" {
				return nil, fmt.Errorf("knowledge: seed category %q entry %d: %w", category.Name, ei+1, ErrInvalidEntry)
			}
		}
	}
	return &seed, nil
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func intOr(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// MemoryStore materializes the seed into an in-process store, assigning ids
// in document order starting at 1.
func (s *Seed) MemoryStore() *MemoryStore {
	store := NewMemoryStore()
	entryID := 0
	for ci, sc := range s.Categories {
		categoryID := ci + 1
		store.PutCategory(Category{
			ID:          uint(categoryID),
			Name:        strings.TrimSpace(sc.Name),
			Description: strings.TrimSpace(sc.Description),
			Active:      boolOr(sc.Active, true),
		})
		for _, se := range sc.Entries {
			entryID++
			store.PutEntry(Entry{
				ID:         entryID,
				CategoryID: categoryID,
				Keywords:   se.Keywords,
				Question:   strings.TrimSpace(se.Question),
				Answer:     strings.TrimSpace(se.Answer),
				Priority:   intOr(se.Priority, 1),
				Active:     boolOr(se.Active, true),
			})
		}
	}
	return store
}

// ApplySeed upserts the seed inside one transaction. Categories are matched
// by name and entries by (category, question).
func (s *GormStore) ApplySeed(ctx context.Context, seed *Seed) (SeedStats, error) {
	var stats SeedStats
	if seed == nil {
		return stats, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sc := range seed.Categories {
			var category Category
			name := strings.TrimSpace(sc.Name)
			err := tx.Where("name = ?", name).Take(&category).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				category = Category{Name: name, Description: strings.TrimSpace(sc.Description), Active: boolOr(sc.Active, true)}
				if err := tx.Create(&category).Error; err != nil {
					return fmt.Errorf("create category %q: %w", name, err)
				}
				stats.CategoriesCreated++
			case err != nil:
				return fmt.Errorf("find category %q: %w", name, err)
			default:
				if err := tx.Model(&category).Updates(map[string]interface{}{
					"description": strings.TrimSpace(sc.Description),
					"is_active":   boolOr(sc.Active, true),
					"updated_at":  time.Now().UTC(),
				}).Error; err != nil {
					return fmt.Errorf("update category %q: %w", name, err)
				}
				stats.CategoriesUpdated++
			}

			for _, se := range sc.Entries {
				question := strings.TrimSpace(se.Question)
				values := entryRow{
					CategoryID: category.ID,
					Keywords:   JoinKeywords(normalizeKeywordSet(se.Keywords)),
					Question:   question,
					Answer:     strings.TrimSpace(se.Answer),
					Priority:   intOr(se.Priority, 1),
					Active:     boolOr(se.Active, true),
				}

				var existing entryRow
				err := tx.Where("category_id = ? AND question = ?", category.ID, question).Take(&existing).Error
				switch {
				case errors.Is(err, gorm.ErrRecordNotFound):
					if err := tx.Create(&values).Error; err != nil {
						return fmt.Errorf("create entry %q: %w", question, err)
					}
					stats.EntriesCreated++
				case err != nil:
					return fmt.Errorf("find entry %q: %w", question, err)
				default:
					if err := tx.Model(&existing).Updates(map[string]interface{}{
						"keywords":   values.Keywords,
						"answer":     values.Answer,
						"priority":   values.Priority,
						"is_active":  values.Active,
						"updated_at": time.Now().UTC(),
					}).Error; err != nil {
						return fmt.Errorf("update entry %q: %w", question, err)
					}
					stats.EntriesUpdated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return SeedStats{}, fmt.Errorf("knowledge: apply seed: %w", err)
	}
	return stats, nil
}
