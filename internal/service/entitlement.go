package service

import (
	"context"
	"fmt"

	"paywall/internal/models"
	"paywall/internal/observability"
	"paywall/internal/store"
)

type LockReason string

const (
	LockNone        LockReason = ""
	LockAnonymous   LockReason = "anonymous"
	LockUnpurchased LockReason = "unpurchased"
)

type Decision struct {
	CanAccess bool
	Reason    LockReason
}

// EntitlementEvaluator decides whether a reader may see a chapter's full
// content. It never writes.
type EntitlementEvaluator struct {
	store   store.ContentStore
	metrics *observability.Metrics
}

func NewEntitlementEvaluator(s store.ContentStore, metrics *observability.Metrics) *EntitlementEvaluator {
	return &EntitlementEvaluator{store: s, metrics: metrics}
}

// CanAccess reports whether userID may read chapterID. An empty userID is an
// anonymous reader.
func (e *EntitlementEvaluator) CanAccess(ctx context.Context, userID, chapterID string) (bool, error) {
	chapter, err := e.store.GetChapter(ctx, chapterID)
	if err != nil {
		return false, fmt.Errorf("failed to get chapter: %w", err)
	}
	if chapter == nil {
		return false, ErrNotFound
	}

	decision, err := e.Decide(ctx, userID, chapter)
	if err != nil {
		return false, err
	}
	return decision.CanAccess, nil
}

// Decide evaluates access for an already loaded chapter. The free flag is read
// from the chapter as it is now, so a chapter made free later is open to all.
func (e *EntitlementEvaluator) Decide(ctx context.Context, userID string, chapter *models.Chapter) (Decision, error) {
	if chapter.IsFree {
		e.metrics.EntitlementCheck("free")
		return Decision{CanAccess: true}, nil
	}
	if userID == "" {
		e.metrics.EntitlementCheck("anonymous")
		return Decision{Reason: LockAnonymous}, nil
	}

	owned, err := e.store.HasSucceededPurchase(ctx, userID, chapter.ID)
	if err != nil {
		return Decision{Reason: LockUnpurchased}, fmt.Errorf("failed to check purchase: %w", err)
	}
	if owned {
		e.metrics.EntitlementCheck("owned")
		return Decision{CanAccess: true}, nil
	}
	e.metrics.EntitlementCheck("locked")
	return Decision{Reason: LockUnpurchased}, nil
}
