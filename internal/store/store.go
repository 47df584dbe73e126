package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paywall/internal/models"
)

var (
	ErrPurchaseConflict = errors.New("store: purchase conflicts with an existing record")
	ErrUnknownStatus    = errors.New("store: purchase has an unknown status")
)

func checkPurchaseStatus(p *models.Purchase) error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: purchase %s is %q", ErrUnknownStatus, p.ID, p.Status)
	}
	return nil
}

// TransitionResult reports what a conditional status update did.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	TransitionNoop
	TransitionNotFound
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionNoop:
		return "noop"
	case TransitionNotFound:
		return "not_found"
	}
	return "unknown"
}

// ContentStore is the persistence contract of the entitlement core. Lookups
// return (nil, nil) when the record does not exist. Every purchase write keeps
// the (user, chapter) uniqueness and never rewrites a succeeded purchase.
type ContentStore interface {
	GetChapter(ctx context.Context, chapterID string) (*models.Chapter, error)
	GetChapterContent(ctx context.Context, chapterID string) (*models.Chapter, error)
	PutChapter(ctx context.Context, chapter *models.Chapter) error
	ApplyDefaultPricing(ctx context.Context, defaultPrice int64) (freed int64, priced int64, err error)

	GetPurchase(ctx context.Context, userID, chapterID string) (*models.Purchase, error)
	GetPurchaseByExternalID(ctx context.Context, externalID string) (*models.Purchase, error)
	HasSucceededPurchase(ctx context.Context, userID, chapterID string) (bool, error)

	// UpsertPendingPurchase inserts a pending purchase or replaces the
	// pending/failed row of the same (user, chapter). It returns false when the
	// existing row has already succeeded and was left untouched.
	UpsertPendingPurchase(ctx context.Context, purchase *models.Purchase) (bool, error)
	// RecordSucceededPurchase creates a succeeded purchase, promoting a
	// pending/failed row of the same (user, chapter) if one exists.
	RecordSucceededPurchase(ctx context.Context, purchase *models.Purchase) (TransitionResult, error)
	MarkPurchaseSucceeded(ctx context.Context, externalID string, at time.Time) (TransitionResult, error)
	MarkPurchaseFailed(ctx context.Context, externalID string) (TransitionResult, error)
	// DeletePurchase removes a stale pending or failed purchase. Succeeded
	// purchases are kept. Deleting a missing row is not an error.
	DeletePurchase(ctx context.Context, userID, chapterID string) error
	DeletePendingPurchasesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	ListLibrary(ctx context.Context, userID string) ([]models.LibraryEntry, error)

	Close() error
}

type OpenOptions struct {
	Driver        string
	DataSourceURL string
	MigrationsDir string
	BoltPath      string
}

// Open connects the configured content store. Postgres stores get their
// migrations applied before being returned.
func Open(opts OpenOptions) (ContentStore, error) {
	switch opts.Driver {
	case "postgres":
		db, err := ConnectDB("postgres", opts.DataSourceURL)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(db, opts.MigrationsDir); err != nil {
			db.Close()
			return nil, err
		}
		return NewDBStore(db), nil
	case "bolt":
		return NewBoltStore(opts.BoltPath)
	}
	return nil, errors.New("store: unknown driver " + opts.Driver)
}
