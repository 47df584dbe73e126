package service

import (
	"context"
	"fmt"
	"log"

	"paywall/internal/config"
	"paywall/internal/models"
	"paywall/internal/store"
)

type PurchaseStatus struct {
	IsFree      bool   `json:"isFree"`
	IsPurchased bool   `json:"isPurchased"`
	CanAccess   bool   `json:"canAccess"`
	Price       *int64 `json:"price"`
}

type ChapterView struct {
	ChapterID     string     `json:"chapterId"`
	FictionTitle  string     `json:"fictionTitle"`
	ChapterNumber int        `json:"chapterNumber"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Locked        bool       `json:"locked"`
	LockReason    LockReason `json:"lockReason,omitempty"`
	Price         *int64     `json:"price"`
}

// AccessGate applies entitlement decisions to what a reader gets back.
type AccessGate struct {
	store         store.ContentStore
	entitlements  *EntitlementEvaluator
	previewLength int
	logger        *log.Logger
}

func NewAccessGate(logger *log.Logger, s store.ContentStore, entitlements *EntitlementEvaluator, cfg *config.Config) *AccessGate {
	return &AccessGate{
		store:         s,
		entitlements:  entitlements,
		previewLength: cfg.PreviewLength,
		logger:        logger,
	}
}

func (g *AccessGate) Status(ctx context.Context, userID, chapterID string) (*PurchaseStatus, error) {
	chapter, err := g.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	if chapter == nil {
		return nil, ErrNotFound
	}

	decision, err := g.entitlements.Decide(ctx, userID, chapter)
	if err != nil {
		return nil, err
	}
	return &PurchaseStatus{
		IsFree:      chapter.IsFree,
		IsPurchased: decision.CanAccess && !chapter.IsFree,
		CanAccess:   decision.CanAccess,
		Price:       chapter.Price,
	}, nil
}

// Render returns the chapter as userID may see it: the full text when
// entitled, a preview otherwise. A failing purchase lookup degrades to the
// preview rather than failing the read.
func (g *AccessGate) Render(ctx context.Context, userID, chapterID string) (*ChapterView, error) {
	chapter, err := g.store.GetChapterContent(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	if chapter == nil {
		return nil, ErrNotFound
	}

	decision, err := g.entitlements.Decide(ctx, userID, chapter)
	if err != nil {
		g.logger.Printf("Warning: entitlement check for user %s chapter %s failed, serving preview: %v", userID, chapterID, err)
	}

	view := &ChapterView{
		ChapterID:     chapter.ID,
		FictionTitle:  chapter.FictionTitle,
		ChapterNumber: chapter.ChapterNumber,
		Title:         chapter.Title,
		Price:         chapter.Price,
	}
	if decision.CanAccess {
		view.Content = chapter.Content
		return view, nil
	}
	view.Content = Preview(chapter.Content, g.previewLength)
	view.Locked = true
	view.LockReason = decision.Reason
	return view, nil
}

func (g *AccessGate) Library(ctx context.Context, userID string) ([]models.LibraryEntry, error) {
	if userID == "" {
		return nil, ErrAuthenticationRequired
	}
	entries, err := g.store.ListLibrary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list library: %w", err)
	}
	return entries, nil
}

// Preview cuts content to at most n characters and marks the cut with "...".
func Preview(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}
