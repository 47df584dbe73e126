package payment

import (
	"context"
	"errors"
)

var (
	ErrSignatureMissing = errors.New("payment: signature header missing")
	ErrInvalidSignature = errors.New("payment: invalid signature")
	ErrSecretMissing    = errors.New("payment: webhook secret not configured")

	// ErrMalformedEvent means the signature checked out but the body could not
	// be decoded.
	ErrMalformedEvent = errors.New("payment: malformed event")
)

// Metadata keys attached to every transaction so a success notification can be
// reconciled even without a local purchase row.
const (
	MetadataUserID       = "userId"
	MetadataChapterID    = "chapterId"
	MetadataChapterTitle = "chapterTitle"
	MetadataFictionTitle = "fictionTitle"
)

type TransactionStatus string

const (
	StatusRequiresPaymentMethod TransactionStatus = "requires_payment_method"
	StatusRequiresConfirmation  TransactionStatus = "requires_confirmation"
	StatusRequiresAction        TransactionStatus = "requires_action"
	StatusProcessing            TransactionStatus = "processing"
	StatusSucceeded             TransactionStatus = "succeeded"
	StatusCanceled              TransactionStatus = "canceled"
)

// AcceptsPayment reports whether a client may still complete the transaction.
func (s TransactionStatus) AcceptsPayment() bool {
	return s == StatusRequiresPaymentMethod || s == StatusRequiresConfirmation
}

type Transaction struct {
	ID           string
	ClientSecret string
	Status       TransactionStatus
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

type CreateTransactionParams struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
}

type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "payment_failed"
	EventOther     EventType = "other"
)

// Event is a verified processor notification. Transaction is nil for events
// that are not about a payment transaction.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	Transaction  *Transaction
}

type Processor interface {
	CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error)
	RetrieveTransaction(ctx context.Context, id string) (*Transaction, error)
	// Verify authenticates a raw notification body against its signature
	// header and decodes it.
	Verify(payload []byte, signature, secret string) (*Event, error)
}
