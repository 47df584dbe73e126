package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"paywall/internal/models"
)

// BoltStore is a single-file ContentStore for local development and tests.
// Bolt serializes all write transactions, so every read-modify-write below is
// atomic without further locking.
//
// Layout:
//   - chapters:           chapter id -> JSON chapter (content included)
//   - purchases:          user id + 0x00 + chapter id -> JSON purchase
//   - purchases_external: external transaction id -> purchases key
type BoltStore struct {
	db *bolt.DB
}

var (
	chaptersBucket          = []byte("chapters")
	purchasesBucket         = []byte("purchases")
	purchasesExternalBucket = []byte("purchases_external")
)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chaptersBucket, purchasesBucket, purchasesExternalBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func purchaseKey(userID, chapterID string) []byte {
	key := make([]byte, 0, len(userID)+1+len(chapterID))
	key = append(key, userID...)
	key = append(key, 0)
	return append(key, chapterID...)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// getPurchase reads a purchase row and rejects one whose status is not a
// known lifecycle state.
func getPurchase(b *bolt.Bucket, key []byte, p *models.Purchase) (bool, error) {
	found, err := getJSON(b, key, p)
	if err != nil || !found {
		return found, err
	}
	return true, checkPurchaseStatus(p)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) GetChapter(ctx context.Context, chapterID string) (*models.Chapter, error) {
	chapter, err := s.GetChapterContent(ctx, chapterID)
	if chapter != nil {
		chapter.Content = ""
	}
	return chapter, err
}

func (s *BoltStore) GetChapterContent(_ context.Context, chapterID string) (*models.Chapter, error) {
	var chapter models.Chapter
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(chaptersBucket), []byte(chapterID), &chapter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &chapter, nil
}

func (s *BoltStore) PutChapter(_ context.Context, chapter *models.Chapter) error {
	if err := chapter.ValidatePricing(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chaptersBucket)
		// (fiction, chapter number) is unique, as in the relational schema.
		err := b.ForEach(func(k, v []byte) error {
			if string(k) == chapter.ID {
				return nil
			}
			var other models.Chapter
			if err := json.Unmarshal(v, &other); err != nil {
				return err
			}
			if other.FictionID == chapter.FictionID && other.ChapterNumber == chapter.ChapterNumber {
				return fmt.Errorf("chapter number %d already used in fiction %s", chapter.ChapterNumber, chapter.FictionID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return putJSON(b, []byte(chapter.ID), chapter)
	})
}

func (s *BoltStore) ApplyDefaultPricing(_ context.Context, defaultPrice int64) (int64, int64, error) {
	var freed, priced int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(chaptersBucket)
		updated := map[string]models.Chapter{}
		err := b.ForEach(func(k, v []byte) error {
			var c models.Chapter
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			c.IsFree, c.Price = models.DefaultPricing(c.ChapterNumber, defaultPrice)
			if c.IsFree {
				freed++
			} else {
				priced++
			}
			updated[string(k)] = c
			return nil
		})
		if err != nil {
			return err
		}
		// Bolt forbids writes while iterating a bucket.
		for k, c := range updated {
			if err := putJSON(b, []byte(k), c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to apply default pricing: %w", err)
	}
	return freed, priced, nil
}

func (s *BoltStore) GetPurchase(_ context.Context, userID, chapterID string) (*models.Purchase, error) {
	var p models.Purchase
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getPurchase(tx.Bucket(purchasesBucket), purchaseKey(userID, chapterID), &p)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (s *BoltStore) GetPurchaseByExternalID(_ context.Context, externalID string) (*models.Purchase, error) {
	var p *models.Purchase
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, _, err = purchaseByExternal(tx, externalID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase by external id: %w", err)
	}
	return p, nil
}

func purchaseByExternal(tx *bolt.Tx, externalID string) (*models.Purchase, []byte, error) {
	key := tx.Bucket(purchasesExternalBucket).Get([]byte(externalID))
	if key == nil {
		return nil, nil, nil
	}
	var p models.Purchase
	found, err := getPurchase(tx.Bucket(purchasesBucket), key, &p)
	if err != nil || !found {
		return nil, nil, err
	}
	// bolt byte slices are only valid for the life of the transaction.
	return &p, append([]byte(nil), key...), nil
}

func (s *BoltStore) HasSucceededPurchase(ctx context.Context, userID, chapterID string) (bool, error) {
	p, err := s.GetPurchase(ctx, userID, chapterID)
	if err != nil {
		return false, err
	}
	return p != nil && p.Status == models.PurchaseStatusSucceeded, nil
}

// writePurchase stores p under its (user, chapter) key and moves the external
// id index from previousExternalID to p's current external id.
func writePurchase(tx *bolt.Tx, p *models.Purchase, previousExternalID string) error {
	key := purchaseKey(p.UserID, p.ChapterID)
	index := tx.Bucket(purchasesExternalBucket)

	if owner := index.Get([]byte(p.ExternalTransactionID)); owner != nil && !bytes.Equal(owner, key) {
		return fmt.Errorf("%w: external transaction %s", ErrPurchaseConflict, p.ExternalTransactionID)
	}
	if previousExternalID != "" && previousExternalID != p.ExternalTransactionID {
		if err := index.Delete([]byte(previousExternalID)); err != nil {
			return err
		}
	}
	if err := index.Put([]byte(p.ExternalTransactionID), key); err != nil {
		return err
	}
	return putJSON(tx.Bucket(purchasesBucket), key, p)
}

func (s *BoltStore) UpsertPendingPurchase(_ context.Context, purchase *models.Purchase) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing models.Purchase
		found, err := getPurchase(tx.Bucket(purchasesBucket), purchaseKey(purchase.UserID, purchase.ChapterID), &existing)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		row := *purchase
		row.Status = models.PurchaseStatusPending
		row.PurchasedAt = nil
		row.CreatedAt = now
		row.UpdatedAt = now

		previous := ""
		if found {
			if existing.Status == models.PurchaseStatusSucceeded {
				return nil
			}
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			previous = existing.ExternalTransactionID
		}

		if err := writePurchase(tx, &row, previous); err != nil {
			return err
		}
		*purchase = row
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert pending purchase: %w", err)
	}
	return applied, nil
}

func (s *BoltStore) RecordSucceededPurchase(_ context.Context, purchase *models.Purchase) (TransitionResult, error) {
	result := TransitionNoop
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing models.Purchase
		found, err := getPurchase(tx.Bucket(purchasesBucket), purchaseKey(purchase.UserID, purchase.ChapterID), &existing)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		row := *purchase
		row.Status = models.PurchaseStatusSucceeded
		row.CreatedAt = now
		row.UpdatedAt = now
		if row.PurchasedAt == nil {
			row.PurchasedAt = &now
		}

		previous := ""
		if found {
			if existing.Status == models.PurchaseStatusSucceeded {
				return nil
			}
			row.ID = existing.ID
			row.CreatedAt = existing.CreatedAt
			previous = existing.ExternalTransactionID
		}

		if err := writePurchase(tx, &row, previous); err != nil {
			return err
		}
		*purchase = row
		result = TransitionApplied
		return nil
	})
	if err != nil {
		return TransitionNoop, fmt.Errorf("failed to record succeeded purchase: %w", err)
	}
	return result, nil
}

func (s *BoltStore) transition(externalID string, apply func(p *models.Purchase) bool) (TransitionResult, error) {
	result := TransitionNotFound
	err := s.db.Update(func(tx *bolt.Tx) error {
		p, key, err := purchaseByExternal(tx, externalID)
		if err != nil || p == nil {
			return err
		}
		if !apply(p) {
			result = TransitionNoop
			return nil
		}
		p.UpdatedAt = time.Now().UTC()
		result = TransitionApplied
		return putJSON(tx.Bucket(purchasesBucket), key, p)
	})
	if err != nil {
		return TransitionNoop, err
	}
	return result, nil
}

func (s *BoltStore) MarkPurchaseSucceeded(_ context.Context, externalID string, at time.Time) (TransitionResult, error) {
	result, err := s.transition(externalID, func(p *models.Purchase) bool {
		if p.Status == models.PurchaseStatusSucceeded {
			return false
		}
		p.Status = models.PurchaseStatusSucceeded
		if p.PurchasedAt == nil {
			at := at.UTC()
			p.PurchasedAt = &at
		}
		return true
	})
	if err != nil {
		return result, fmt.Errorf("failed to mark purchase succeeded: %w", err)
	}
	return result, nil
}

func (s *BoltStore) MarkPurchaseFailed(_ context.Context, externalID string) (TransitionResult, error) {
	result, err := s.transition(externalID, func(p *models.Purchase) bool {
		if p.Status != models.PurchaseStatusPending {
			return false
		}
		p.Status = models.PurchaseStatusFailed
		return true
	})
	if err != nil {
		return result, fmt.Errorf("failed to mark purchase failed: %w", err)
	}
	return result, nil
}

func (s *BoltStore) DeletePurchase(_ context.Context, userID, chapterID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := purchaseKey(userID, chapterID)
		var p models.Purchase
		found, err := getPurchase(tx.Bucket(purchasesBucket), key, &p)
		if err != nil || !found || p.Status == models.PurchaseStatusSucceeded {
			return err
		}
		if err := tx.Bucket(purchasesExternalBucket).Delete([]byte(p.ExternalTransactionID)); err != nil {
			return err
		}
		return tx.Bucket(purchasesBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("failed to delete purchase: %w", err)
	}
	return nil
}

func (s *BoltStore) DeletePendingPurchasesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(purchasesBucket)
		var stale []models.Purchase
		err := b.ForEach(func(_, v []byte) error {
			var p models.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == models.PurchaseStatusPending && p.CreatedAt.Before(cutoff) {
				stale = append(stale, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range stale {
			if err := tx.Bucket(purchasesExternalBucket).Delete([]byte(p.ExternalTransactionID)); err != nil {
				return err
			}
			if err := b.Delete(purchaseKey(p.UserID, p.ChapterID)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending purchases: %w", err)
	}
	return deleted, nil
}

func (s *BoltStore) ListLibrary(_ context.Context, userID string) ([]models.LibraryEntry, error) {
	entries := []models.LibraryEntry{}
	err := s.db.View(func(tx *bolt.Tx) error {
		chapters := tx.Bucket(chaptersBucket)
		prefix := append([]byte(userID), 0)
		c := tx.Bucket(purchasesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p models.Purchase
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status != models.PurchaseStatusSucceeded || p.PurchasedAt == nil {
				continue
			}
			var chapter models.Chapter
			found, err := getJSON(chapters, []byte(p.ChapterID), &chapter)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			entries = append(entries, models.LibraryEntry{
				PurchaseID:    p.ID,
				PurchasedAt:   *p.PurchasedAt,
				Amount:        p.Amount,
				Currency:      p.Currency,
				ChapterID:     chapter.ID,
				ChapterNumber: chapter.ChapterNumber,
				ChapterTitle:  chapter.Title,
				FictionID:     chapter.FictionID,
				FictionTitle:  chapter.FictionTitle,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list library: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PurchasedAt.After(entries[j].PurchasedAt)
	})
	return entries, nil
}
