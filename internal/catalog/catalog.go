// Package catalog loads chapter catalogs from TOML files so a store can be
// seeded without the upstream content platform.
//
// A catalog lists fictions and their chapters:
//
//	[[fiction]]
//	id = "saga"
//	title = "The Saga"
//
//	  [[fiction.chapter]]
//	  id = "saga-1"
//	  number = 1
//	  title = "Opening"
//	  content_file = "saga/01.md"
//
// A chapter with neither free nor price set gets the default pricing: the
// first chapter free, later ones at the default price.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"paywall/internal/models"
	"paywall/internal/store"
)

var validate = validator.New()

type Catalog struct {
	Fictions []Fiction `toml:"fiction" validate:"required,min=1,dive"`
}

type Fiction struct {
	ID       string    `toml:"id" validate:"required"`
	Title    string    `toml:"title" validate:"required"`
	Chapters []Chapter `toml:"chapter" validate:"dive"`
}

type Chapter struct {
	ID          string     `toml:"id" validate:"required"`
	Number      int        `toml:"number" validate:"gt=0"`
	Title       string     `toml:"title" validate:"required"`
	Content     string     `toml:"content" validate:"required_without=ContentFile"`
	ContentFile string     `toml:"content_file" validate:"required_without=Content"`
	Free        *bool      `toml:"free"`
	Price       *int64     `toml:"price" validate:"omitempty,gt=0"`
	PublishedAt *time.Time `toml:"published_at"`
}

// Load reads and validates the catalog at path. Relative content_file paths
// are resolved against the catalog's directory.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	ids := map[string]bool{}
	for fi := range c.Fictions {
		f := &c.Fictions[fi]
		numbers := map[int]bool{}
		for ci := range f.Chapters {
			ch := &f.Chapters[ci]
			if ids[ch.ID] {
				return nil, fmt.Errorf("invalid catalog: duplicate chapter id %s", ch.ID)
			}
			if numbers[ch.Number] {
				return nil, fmt.Errorf("invalid catalog: fiction %s has chapter number %d twice", f.ID, ch.Number)
			}
			ids[ch.ID] = true
			numbers[ch.Number] = true

			if ch.ContentFile != "" && !filepath.IsAbs(ch.ContentFile) {
				ch.ContentFile = filepath.Join(filepath.Dir(path), ch.ContentFile)
			}
		}
	}
	return &c, nil
}

// Chapters flattens the catalog into store chapters, reading content files
// and applying default pricing where none is given.
func (c *Catalog) Chapters(defaultPrice int64) ([]models.Chapter, error) {
	var out []models.Chapter
	for _, f := range c.Fictions {
		for _, ch := range f.Chapters {
			content := ch.Content
			if content == "" {
				data, err := os.ReadFile(ch.ContentFile)
				if err != nil {
					return nil, fmt.Errorf("read content of chapter %s: %w", ch.ID, err)
				}
				content = string(data)
			}

			chapter := models.Chapter{
				ID:            ch.ID,
				FictionID:     f.ID,
				FictionTitle:  f.Title,
				ChapterNumber: ch.Number,
				Title:         ch.Title,
				Content:       content,
				Price:         ch.Price,
				PublishedAt:   ch.PublishedAt,
			}
			switch {
			case ch.Free != nil:
				chapter.IsFree = *ch.Free
			case ch.Price == nil:
				chapter.IsFree, chapter.Price = models.DefaultPricing(ch.Number, defaultPrice)
			}
			if err := chapter.ValidatePricing(); err != nil {
				return nil, err
			}
			out = append(out, chapter)
		}
	}
	return out, nil
}

// Import writes chapters to s, creating or replacing them by id.
func Import(ctx context.Context, s store.ContentStore, chapters []models.Chapter) (int, error) {
	for i := range chapters {
		if err := s.PutChapter(ctx, &chapters[i]); err != nil {
			return i, fmt.Errorf("import chapter %s: %w", chapters[i].ID, err)
		}
	}
	return len(chapters), nil
}
