package models

import (
	"errors"
	"fmt"
	"time"
)

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusSucceeded PurchaseStatus = "succeeded"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchaseStatusPending, PurchaseStatusSucceeded, PurchaseStatusFailed:
		return true
	}
	return false
}

var ErrInvalidPricing = errors.New("invalid chapter pricing")

type Chapter struct {
	ID            string     `json:"id"`
	FictionID     string     `json:"fiction_id"`
	FictionTitle  string     `json:"fiction_title"`
	ChapterNumber int        `json:"chapter_number"`
	Title         string     `json:"title"`
	Content       string     `json:"content,omitempty"`
	IsFree        bool       `json:"is_free"`
	Price         *int64     `json:"price"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
}

// ValidatePricing checks the free/price pairing. A paid chapter without a
// price is accepted here (an unpriced draft); it just cannot be bought.
func (c *Chapter) ValidatePricing() error {
	if c.IsFree && c.Price != nil {
		return fmt.Errorf("%w: free chapter %s carries a price", ErrInvalidPricing, c.ID)
	}
	if c.Price != nil && *c.Price <= 0 {
		return fmt.Errorf("%w: chapter %s has non-positive price %d", ErrInvalidPricing, c.ID, *c.Price)
	}
	return nil
}

// DefaultPricing returns the catalog default for a chapter number: the first
// chapter of a fiction is free, every later one costs defaultPrice.
func DefaultPricing(chapterNumber int, defaultPrice int64) (bool, *int64) {
	if chapterNumber == 1 {
		return true, nil
	}
	price := defaultPrice
	return false, &price
}

type Purchase struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"user_id"`
	ChapterID             string         `json:"chapter_id"`
	ExternalTransactionID string         `json:"external_transaction_id"`
	Amount                int64          `json:"amount"`
	Currency              string         `json:"currency"`
	Status                PurchaseStatus `json:"status"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	PurchasedAt           *time.Time     `json:"purchased_at,omitempty"`
}

type LibraryEntry struct {
	PurchaseID    string    `json:"purchase_id"`
	PurchasedAt   time.Time `json:"purchased_at"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	ChapterID     string    `json:"chapter_id"`
	ChapterNumber int       `json:"chapter_number"`
	ChapterTitle  string    `json:"chapter_title"`
	FictionID     string    `json:"fiction_id"`
	FictionTitle  string    `json:"fiction_title"`
}
