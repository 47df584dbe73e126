package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"paywall/internal/config"
	"paywall/internal/models"
	"paywall/internal/observability"
	"paywall/internal/payment"
	"paywall/internal/store"
)

// PurchaseIntent is what a client needs to complete payment for a chapter.
type PurchaseIntent struct {
	ClientSecret string
	Amount       int64
	Currency     string
	Reused       bool
}

type PurchaseService struct {
	store     store.ContentStore
	processor payment.Processor
	config    *config.Config
	logger    *log.Logger
	metrics   *observability.Metrics
	inflight  singleflight.Group
	now       func() time.Time
}

func NewPurchaseService(logger *log.Logger, s store.ContentStore, processor payment.Processor, cfg *config.Config, metrics *observability.Metrics) *PurchaseService {
	return &PurchaseService{
		store:     s,
		processor: processor,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// InitiatePurchase starts, or resumes, payment of chapterID by userID.
// Concurrent calls for the same pair on this instance share one result; across
// instances the (user, chapter) upsert keeps a single purchase row.
func (s *PurchaseService) InitiatePurchase(ctx context.Context, userID, chapterID string) (*PurchaseIntent, error) {
	if userID == "" {
		return nil, ErrAuthenticationRequired
	}

	v, err, _ := s.inflight.Do(inflightKey(userID, chapterID), func() (any, error) {
		return s.initiate(ctx, userID, chapterID)
	})
	if err != nil {
		s.metrics.PurchaseIntent(intentOutcome(err))
		return nil, err
	}

	intent := *v.(*PurchaseIntent)
	if intent.Reused {
		s.metrics.PurchaseIntent("reused")
	} else {
		s.metrics.PurchaseIntent("created")
	}
	return &intent, nil
}

// inflightKey prefixes the user id with its length so that distinct pairs
// never share a key, whatever characters the ids contain.
func inflightKey(userID, chapterID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + ":" + chapterID
}

func (s *PurchaseService) initiate(ctx context.Context, userID, chapterID string) (*PurchaseIntent, error) {
	chapter, err := s.store.GetChapter(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	if chapter == nil {
		return nil, ErrNotFound
	}
	if chapter.IsFree {
		return nil, ErrChapterIsFree
	}
	if chapter.Price == nil || *chapter.Price <= 0 {
		return nil, ErrNoPriceSet
	}

	existing, err := s.store.GetPurchase(ctx, userID, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get existing purchase: %w", err)
	}
	if existing != nil {
		if existing.Status == models.PurchaseStatusSucceeded {
			return nil, ErrAlreadyOwned
		}
		if existing.Status == models.PurchaseStatusPending {
			if intent := s.resumable(ctx, existing); intent != nil {
				return intent, nil
			}
		}
		if err := s.store.DeletePurchase(ctx, userID, chapterID); err != nil {
			return nil, fmt.Errorf("failed to clear stale purchase: %w", err)
		}
	}

	return s.create(ctx, userID, chapter)
}

// resumable returns the intent of a pending purchase whose transaction can
// still be paid, or nil.
func (s *PurchaseService) resumable(ctx context.Context, existing *models.Purchase) *PurchaseIntent {
	start := time.Now()
	tx, err := s.processor.RetrieveTransaction(ctx, existing.ExternalTransactionID)
	s.metrics.ObserveProcessor("retrieve", start)
	if err != nil {
		s.logger.Printf("Warning: could not retrieve transaction %s, creating a new one: %v", existing.ExternalTransactionID, err)
		return nil
	}
	if !tx.Status.AcceptsPayment() || tx.ClientSecret == "" {
		return nil
	}
	return &PurchaseIntent{
		ClientSecret: tx.ClientSecret,
		Amount:       existing.Amount,
		Currency:     existing.Currency,
		Reused:       true,
	}
}

func (s *PurchaseService) create(ctx context.Context, userID string, chapter *models.Chapter) (*PurchaseIntent, error) {
	purchase := &models.Purchase{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChapterID: chapter.ID,
		Amount:    *chapter.Price,
		Currency:  s.config.Currency,
	}

	start := time.Now()
	tx, err := s.processor.CreateTransaction(ctx, payment.CreateTransactionParams{
		Amount:      purchase.Amount,
		Currency:    purchase.Currency,
		Description: fmt.Sprintf("Purchase: %s - %s", chapter.FictionTitle, chapter.Title),
		Metadata: map[string]string{
			payment.MetadataUserID:       userID,
			payment.MetadataChapterID:    chapter.ID,
			payment.MetadataChapterTitle: chapter.Title,
			payment.MetadataFictionTitle: chapter.FictionTitle,
		},
	})
	s.metrics.ObserveProcessor("create", start)
	if err != nil {
		s.logger.Printf("Error creating transaction for user %s chapter %s: %v", userID, chapter.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	purchase.ExternalTransactionID = tx.ID
	applied, err := s.store.UpsertPendingPurchase(ctx, purchase)
	if err != nil {
		s.logger.Printf("Error recording pending purchase for transaction %s (user %s, chapter %s): %v", tx.ID, userID, chapter.ID, err)
		return nil, fmt.Errorf("failed to record pending purchase: %w", err)
	}
	if !applied {
		s.logger.Printf("Transaction %s left unused: user %s already owns chapter %s", tx.ID, userID, chapter.ID)
		return nil, ErrAlreadyOwned
	}

	s.logger.Printf("Purchase %s pending for user %s chapter %s (transaction %s, %d %s)",
		purchase.ID, userID, chapter.ID, tx.ID, purchase.Amount, purchase.Currency)
	return &PurchaseIntent{
		ClientSecret: tx.ClientSecret,
		Amount:       purchase.Amount,
		Currency:     purchase.Currency,
	}, nil
}

// SweepStalePending deletes pending purchases created more than maxAge ago.
func (s *PurchaseService) SweepStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)
	n, err := s.store.DeletePendingPurchasesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale pending purchases: %w", err)
	}
	s.metrics.StalePendingDeleted(n)
	if n > 0 {
		s.logger.Printf("Deleted %d pending purchases created before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func intentOutcome(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyOwned):
		return "already_owned"
	case errors.Is(err, ErrInvalidState):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentProvider):
		return "provider_error"
	}
	return "store_error"
}
