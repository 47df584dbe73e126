package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall/internal/models"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func price(v int64) *int64 { return &v }

func seedChapter(t *testing.T, s ContentStore, id string, number int, p *int64) *models.Chapter {
	t.Helper()
	c := &models.Chapter{
		ID:            id,
		FictionID:     "fiction-1",
		FictionTitle:  "Chronicles",
		ChapterNumber: number,
		Title:         "Chapter " + id,
		Content:       "Once upon a time.",
		IsFree:        p == nil,
		Price:         p,
	}
	require.NoError(t, s.PutChapter(context.Background(), c))
	return c
}

func pending(userID, chapterID, externalID string, amount int64) *models.Purchase {
	return &models.Purchase{
		ID:                    "p-" + externalID,
		UserID:                userID,
		ChapterID:             chapterID,
		ExternalTransactionID: externalID,
		Amount:                amount,
		Currency:              "eur",
	}
}

func TestBoltStore_GetChapter(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))

	c, err := s.GetChapter(ctx, "ch-2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Empty(t, c.Content, "metadata lookup omits content")
	assert.Equal(t, int64(299), *c.Price)

	c, err = s.GetChapterContent(ctx, "ch-2")
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time.", c.Content)

	c, err = s.GetChapter(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestBoltStore_PutChapterRejectsInvalidPricing(t *testing.T) {
	s := newTestBoltStore(t)
	err := s.PutChapter(context.Background(), &models.Chapter{ID: "x", FictionID: "f", ChapterNumber: 1, IsFree: true, Price: price(100)})
	assert.ErrorIs(t, err, models.ErrInvalidPricing)
}

func TestBoltStore_PutChapterUniqueNumber(t *testing.T) {
	s := newTestBoltStore(t)
	seedChapter(t, s, "a", 2, price(299))
	err := s.PutChapter(context.Background(), &models.Chapter{ID: "b", FictionID: "fiction-1", ChapterNumber: 2, Price: price(299)})
	assert.Error(t, err)
}

func TestBoltStore_UpsertPendingKeepsOneRow(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))

	applied, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_2", 499))
	require.NoError(t, err)
	assert.True(t, applied)

	p, err := s.GetPurchase(ctx, "u1", "ch-2")
	require.NoError(t, err)
	assert.Equal(t, "pi_2", p.ExternalTransactionID)
	assert.Equal(t, int64(499), p.Amount)
	assert.Equal(t, "p-pi_1", p.ID, "row identity survives the upsert")

	old, err := s.GetPurchaseByExternalID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Nil(t, old, "replaced transaction id is no longer indexed")
}

func TestBoltStore_UpsertPendingConcurrent(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", fmt.Sprintf("pi_%d", i), 299))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count := 0
	for i := 0; i < 20; i++ {
		p, err := s.GetPurchaseByExternalID(ctx, fmt.Sprintf("pi_%d", i))
		require.NoError(t, err)
		if p != nil {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one purchase row per (user, chapter)")
}

func TestBoltStore_UpsertPendingNeverOverwritesSucceeded(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))

	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)
	res, err := s.MarkPurchaseSucceeded(ctx, "pi_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, TransitionApplied, res)

	applied, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_2", 299))
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := s.GetPurchase(ctx, "u1", "ch-2")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusSucceeded, p.Status)
	assert.Equal(t, "pi_1", p.ExternalTransactionID)
}

func TestBoltStore_MarkSucceededIdempotent(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := s.MarkPurchaseSucceeded(ctx, "pi_1", first)
	require.NoError(t, err)
	assert.Equal(t, TransitionApplied, res)

	res, err = s.MarkPurchaseSucceeded(ctx, "pi_1", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, TransitionNoop, res)

	p, err := s.GetPurchaseByExternalID(ctx, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, p.PurchasedAt)
	assert.True(t, p.PurchasedAt.Equal(first), "purchased_at is set once")

	res, err = s.MarkPurchaseSucceeded(ctx, "pi_unknown", first)
	require.NoError(t, err)
	assert.Equal(t, TransitionNotFound, res)
}

func TestBoltStore_MarkFailedNeverDowngrades(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)

	_, err = s.MarkPurchaseSucceeded(ctx, "pi_1", time.Now())
	require.NoError(t, err)

	res, err := s.MarkPurchaseFailed(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, TransitionNoop, res)

	ok, err := s.HasSucceededPurchase(ctx, "u1", "ch-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoltStore_RecordSucceededPromotesPending(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_new", 299))
	require.NoError(t, err)

	res, err := s.RecordSucceededPurchase(ctx, pending("u1", "ch-2", "pi_old", 299))
	require.NoError(t, err)
	assert.Equal(t, TransitionApplied, res)

	p, err := s.GetPurchase(ctx, "u1", "ch-2")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusSucceeded, p.Status)
	assert.Equal(t, "pi_old", p.ExternalTransactionID)

	res, err = s.RecordSucceededPurchase(ctx, pending("u1", "ch-2", "pi_other", 299))
	require.NoError(t, err)
	assert.Equal(t, TransitionNoop, res, "an owned chapter is never rewritten")
}

func TestBoltStore_DeletePurchase(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	seedChapter(t, s, "ch-3", 3, price(299))

	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)
	require.NoError(t, s.DeletePurchase(ctx, "u1", "ch-2"))
	require.NoError(t, s.DeletePurchase(ctx, "u1", "ch-2"), "deleting twice is not an error")

	p, err := s.GetPurchase(ctx, "u1", "ch-2")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = s.UpsertPendingPurchase(ctx, pending("u1", "ch-3", "pi_3", 299))
	require.NoError(t, err)
	_, err = s.MarkPurchaseSucceeded(ctx, "pi_3", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.DeletePurchase(ctx, "u1", "ch-3"))

	p, err = s.GetPurchase(ctx, "u1", "ch-3")
	require.NoError(t, err)
	require.NotNil(t, p, "succeeded purchases are kept")
}

func TestBoltStore_DeletePendingPurchasesBefore(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	seedChapter(t, s, "ch-3", 3, price(299))

	_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-2", "pi_1", 299))
	require.NoError(t, err)
	_, err = s.UpsertPendingPurchase(ctx, pending("u1", "ch-3", "pi_2", 299))
	require.NoError(t, err)
	_, err = s.MarkPurchaseSucceeded(ctx, "pi_2", time.Now())
	require.NoError(t, err)

	n, err := s.DeletePendingPurchasesBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeletePendingPurchasesBefore(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := s.GetPurchaseByExternalID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBoltStore_ListLibrary(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))
	seedChapter(t, s, "ch-3", 3, price(299))
	seedChapter(t, s, "ch-4", 4, price(299))

	for _, id := range []string{"2", "3", "4"} {
		_, err := s.UpsertPendingPurchase(ctx, pending("u1", "ch-"+id, "pi_"+id, 299))
		require.NoError(t, err)
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.MarkPurchaseSucceeded(ctx, "pi_2", base)
	require.NoError(t, err)
	_, err = s.MarkPurchaseSucceeded(ctx, "pi_3", base.Add(time.Hour))
	require.NoError(t, err)

	entries, err := s.ListLibrary(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ch-3", entries[0].ChapterID, "newest purchase first")
	assert.Equal(t, "Chronicles", entries[0].FictionTitle)

	entries, err = s.ListLibrary(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBoltStore_ApplyDefaultPricing(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-1", 1, price(100))
	seedChapter(t, s, "ch-2", 2, nil)

	freed, priced, err := s.ApplyDefaultPricing(ctx, 299)
	require.NoError(t, err)
	assert.Equal(t, int64(1), freed)
	assert.Equal(t, int64(1), priced)

	c, err := s.GetChapter(ctx, "ch-1")
	require.NoError(t, err)
	assert.True(t, c.IsFree)
	assert.Nil(t, c.Price)

	c, err = s.GetChapter(ctx, "ch-2")
	require.NoError(t, err)
	assert.False(t, c.IsFree)
	assert.Equal(t, int64(299), *c.Price)
}

func TestBoltStore_RejectsUnknownPurchaseStatus(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	seedChapter(t, s, "ch-2", 2, price(299))

	row := pending("u1", "ch-2", "pi_1", 299)
	row.Status = "refunded"
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return writePurchase(tx, row, "")
	}))

	_, err := s.GetPurchase(ctx, "u1", "ch-2")
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = s.GetPurchaseByExternalID(ctx, "pi_1")
	assert.ErrorIs(t, err, ErrUnknownStatus)

	_, err = s.MarkPurchaseSucceeded(ctx, "pi_1", time.Now())
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
