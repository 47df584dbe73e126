package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"paywall/internal/config"
	"paywall/internal/models"
	"paywall/internal/observability"
	"paywall/internal/payment"
	"paywall/internal/store"
)

// EventLedger remembers handled notification ids so redeliveries can be
// acknowledged without touching the store.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string, ttl time.Duration) error
}

type WebhookOutcome string

const (
	OutcomeApplied       WebhookOutcome = "applied"
	OutcomeNoop          WebhookOutcome = "noop"
	OutcomeReconstructed WebhookOutcome = "reconstructed"
	OutcomeNotFound      WebhookOutcome = "not_found"
	OutcomeAnomaly       WebhookOutcome = "anomaly"
	OutcomeIgnored       WebhookOutcome = "ignored"
	OutcomeDuplicate     WebhookOutcome = "duplicate"
)

type WebhookResult struct {
	EventID   string
	EventType payment.EventType
	Outcome   WebhookOutcome
}

type WebhookService struct {
	store     store.ContentStore
	processor payment.Processor
	ledger    EventLedger
	config    *config.Config
	logger    *log.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewWebhookService builds the payment notification handler. ledger may be nil.
func NewWebhookService(logger *log.Logger, s store.ContentStore, processor payment.Processor, ledger EventLedger, cfg *config.Config, metrics *observability.Metrics) *WebhookService {
	return &WebhookService{
		store:     s,
		processor: processor,
		ledger:    ledger,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// HandleNotification verifies and applies one payment notification. A nil
// error means the notification may be acknowledged; any error other than
// ErrUnauthorized should make the processor redeliver.
func (w *WebhookService) HandleNotification(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if w.config.StripeWebhookSecret == "" {
		return nil, ErrWebhookNotConfigured
	}

	event, err := w.processor.Verify(payload, signature, w.config.StripeWebhookSecret)
	if err != nil {
		if errors.Is(err, payment.ErrSecretMissing) {
			return nil, ErrWebhookNotConfigured
		}
		if errors.Is(err, payment.ErrMalformedEvent) {
			w.metrics.WebhookEvent(string(payment.EventOther), "error")
			return nil, fmt.Errorf("failed to decode verified notification: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	if w.seen(ctx, event.ID) {
		result.Outcome = OutcomeDuplicate
		w.metrics.WebhookEvent(string(event.Type), string(result.Outcome))
		return result, nil
	}

	switch event.Type {
	case payment.EventSucceeded:
		result.Outcome, err = w.handleSucceeded(ctx, event.Transaction)
	case payment.EventFailed:
		result.Outcome, err = w.handleFailed(ctx, event.Transaction)
	default:
		w.logger.Printf("Ignoring payment event %s of type %s", event.ID, event.ProviderType)
		result.Outcome = OutcomeIgnored
	}
	if err != nil {
		w.metrics.WebhookEvent(string(event.Type), "error")
		return nil, err
	}

	w.metrics.WebhookEvent(string(event.Type), string(result.Outcome))
	w.remember(ctx, event.ID)
	return result, nil
}

func (w *WebhookService) handleSucceeded(ctx context.Context, tx *payment.Transaction) (WebhookOutcome, error) {
	if tx == nil || tx.ID == "" {
		w.logger.Printf("%v: success notification without a transaction", ErrReconciliationAnomaly)
		return OutcomeAnomaly, nil
	}

	res, err := w.store.MarkPurchaseSucceeded(ctx, tx.ID, w.now())
	if err != nil {
		return "", fmt.Errorf("failed to finalize transaction %s: %w", tx.ID, err)
	}
	switch res {
	case store.TransitionApplied:
		w.logger.Printf("Transaction %s succeeded, purchase finalized", tx.ID)
		return OutcomeApplied, nil
	case store.TransitionNoop:
		return OutcomeNoop, nil
	}

	return w.reconstruct(ctx, tx)
}

// reconstruct records a succeeded purchase for a transaction that has no local
// row, using the identity attached to the transaction at creation.
func (w *WebhookService) reconstruct(ctx context.Context, tx *payment.Transaction) (WebhookOutcome, error) {
	userID := tx.Metadata[payment.MetadataUserID]
	chapterID := tx.Metadata[payment.MetadataChapterID]
	if userID == "" || chapterID == "" || tx.Amount <= 0 {
		w.logger.Printf("%v: transaction %s succeeded with no purchase row and incomplete metadata (user %q, chapter %q, amount %d)",
			ErrReconciliationAnomaly, tx.ID, userID, chapterID, tx.Amount)
		return OutcomeAnomaly, nil
	}

	chapter, err := w.store.GetChapter(ctx, chapterID)
	if err != nil {
		return "", fmt.Errorf("failed to get chapter for transaction %s: %w", tx.ID, err)
	}
	if chapter == nil {
		w.logger.Printf("%v: transaction %s paid for unknown chapter %s", ErrReconciliationAnomaly, tx.ID, chapterID)
		return OutcomeAnomaly, nil
	}

	currency := tx.Currency
	if currency == "" {
		currency = w.config.Currency
	}
	now := w.now()
	purchase := &models.Purchase{
		ID:                    uuid.NewString(),
		UserID:                userID,
		ChapterID:             chapterID,
		ExternalTransactionID: tx.ID,
		Amount:                tx.Amount,
		Currency:              currency,
		PurchasedAt:           &now,
	}

	res, err := w.store.RecordSucceededPurchase(ctx, purchase)
	if errors.Is(err, store.ErrPurchaseConflict) {
		// The pending row for this transaction appeared after the first lookup.
		res, err = w.store.MarkPurchaseSucceeded(ctx, tx.ID, now)
		if err != nil {
			return "", fmt.Errorf("failed to finalize transaction %s: %w", tx.ID, err)
		}
		switch res {
		case store.TransitionApplied:
			return OutcomeApplied, nil
		case store.TransitionNoop:
			return OutcomeNoop, nil
		}
		return "", fmt.Errorf("transaction %s: %w", tx.ID, store.ErrPurchaseConflict)
	}
	if err != nil {
		return "", fmt.Errorf("failed to record purchase for transaction %s: %w", tx.ID, err)
	}

	if res == store.TransitionNoop {
		w.logger.Printf("Warning: transaction %s succeeded but user %s already owns chapter %s", tx.ID, userID, chapterID)
		return OutcomeNoop, nil
	}
	w.logger.Printf("Transaction %s succeeded without a pending row, purchase %s reconstructed for user %s chapter %s",
		tx.ID, purchase.ID, userID, chapterID)
	return OutcomeReconstructed, nil
}

func (w *WebhookService) handleFailed(ctx context.Context, tx *payment.Transaction) (WebhookOutcome, error) {
	if tx == nil || tx.ID == "" {
		return OutcomeNotFound, nil
	}

	res, err := w.store.MarkPurchaseFailed(ctx, tx.ID)
	if err != nil {
		return "", fmt.Errorf("failed to mark transaction %s failed: %w", tx.ID, err)
	}
	switch res {
	case store.TransitionApplied:
		w.logger.Printf("Transaction %s failed, purchase marked failed", tx.ID)
		return OutcomeApplied, nil
	case store.TransitionNoop:
		return OutcomeNoop, nil
	}
	w.logger.Printf("Failure notification for unknown transaction %s", tx.ID)
	return OutcomeNotFound, nil
}

func (w *WebhookService) seen(ctx context.Context, eventID string) bool {
	if w.ledger == nil || eventID == "" {
		return false
	}
	seen, err := w.ledger.Seen(ctx, eventID)
	if err != nil {
		w.logger.Printf("Warning: event ledger lookup for %s failed: %v", eventID, err)
		return false
	}
	return seen
}

func (w *WebhookService) remember(ctx context.Context, eventID string) {
	if w.ledger == nil || eventID == "" {
		return
	}
	if err := w.ledger.Remember(ctx, eventID, w.config.WebhookEventTTL); err != nil {
		w.logger.Printf("Warning: failed to remember event %s: %v", eventID, err)
	}
}
