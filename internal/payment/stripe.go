package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

const (
	stripeEventSucceeded = "payment_intent.succeeded"
	stripeEventFailed    = "payment_intent.payment_failed"
)

type StripeProcessor struct {
	api *client.API
}

func NewStripeProcessor(secretKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{api: api}
}

func (p *StripeProcessor) CreateTransaction(ctx context.Context, in CreateTransactionParams) (*Transaction, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(in.Amount),
		Currency:    stripe.String(in.Currency),
		Description: stripe.String(in.Description),
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return fromPaymentIntent(pi), nil
}

func (p *StripeProcessor) RetrieveTransaction(ctx context.Context, id string) (*Transaction, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment intent %s: %w", id, err)
	}
	return fromPaymentIntent(pi), nil
}

func (p *StripeProcessor) Verify(payload []byte, signature, secret string) (*Event, error) {
	return VerifyStripeEvent(payload, signature, secret)
}

// VerifyStripeEvent checks a Stripe webhook signature and maps the event onto
// the processor-neutral Event type. It needs no API key.
func VerifyStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}
	if signature == "" {
		return nil, ErrSignatureMissing
	}

	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// The API version of the event is not checked; only the fields read below
	// are relied on.
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	event := &Event{ID: ev.ID, Type: EventOther, ProviderType: string(ev.Type)}
	switch string(ev.Type) {
	case stripeEventSucceeded:
		event.Type = EventSucceeded
	case stripeEventFailed:
		event.Type = EventFailed
	default:
		return event, nil
	}

	if ev.Data == nil {
		return nil, fmt.Errorf("%w: event %s carries no data", ErrMalformedEvent, ev.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: failed to decode payment intent: %v", ErrMalformedEvent, err)
	}
	event.Transaction = fromPaymentIntent(&pi)
	return event, nil
}

func fromPaymentIntent(pi *stripe.PaymentIntent) *Transaction {
	return &Transaction{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       TransactionStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}
