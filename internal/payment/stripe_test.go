package payment

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const testSecret = "whsec_test_secret"

func signedPayload(t *testing.T, body string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func eventBody(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, eventType, object)
}

const intentObject = `{"id":"pi_123","object":"payment_intent","amount":299,"currency":"eur","status":"succeeded","client_secret":"pi_123_secret","metadata":{"userId":"u1","chapterId":"ch-2"}}`

func TestVerifyStripeEvent_Succeeded(t *testing.T) {
	payload, header := signedPayload(t, eventBody("evt_1", "payment_intent.succeeded", intentObject))

	ev, err := VerifyStripeEvent(payload, header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventSucceeded, ev.Type)
	require.NotNil(t, ev.Transaction)
	assert.Equal(t, "pi_123", ev.Transaction.ID)
	assert.Equal(t, int64(299), ev.Transaction.Amount)
	assert.Equal(t, StatusSucceeded, ev.Transaction.Status)
	assert.Equal(t, "u1", ev.Transaction.Metadata[MetadataUserID])
	assert.Equal(t, "ch-2", ev.Transaction.Metadata[MetadataChapterID])
}

func TestVerifyStripeEvent_Failed(t *testing.T) {
	payload, header := signedPayload(t, eventBody("evt_2", "payment_intent.payment_failed", intentObject))

	ev, err := VerifyStripeEvent(payload, header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, "pi_123", ev.Transaction.ID)
}

func TestVerifyStripeEvent_OtherType(t *testing.T) {
	payload, header := signedPayload(t, eventBody("evt_3", "customer.created", `{"id":"cus_1","object":"customer"}`))

	ev, err := VerifyStripeEvent(payload, header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, EventOther, ev.Type)
	assert.Equal(t, "customer.created", ev.ProviderType)
	assert.Nil(t, ev.Transaction)
}

func TestVerifyStripeEvent_Rejects(t *testing.T) {
	payload, header := signedPayload(t, eventBody("evt_1", "payment_intent.succeeded", intentObject))

	_, err := VerifyStripeEvent(payload, "", testSecret)
	assert.ErrorIs(t, err, ErrSignatureMissing)

	_, err = VerifyStripeEvent(payload, header, "whsec_other")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = ' '
	_, err = VerifyStripeEvent(tampered, header, testSecret)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyStripeEvent(payload, header, "")
	assert.ErrorIs(t, err, ErrSecretMissing)
}

func TestVerifyStripeEvent_MalformedAfterVerification(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no data", `{"id":"evt_4","object":"event","type":"payment_intent.succeeded"}`},
		{"object is not a map", eventBody("evt_5", "payment_intent.succeeded", `[1,2]`)},
		{"object of the wrong shape", eventBody("evt_6", "payment_intent.payment_failed", `{"id":"pi_1","amount":"lots"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, header := signedPayload(t, tt.body)

			_, err := VerifyStripeEvent(payload, header, testSecret)
			assert.ErrorIs(t, err, ErrMalformedEvent)
			assert.NotErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestTransactionStatus_AcceptsPayment(t *testing.T) {
	assert.True(t, StatusRequiresPaymentMethod.AcceptsPayment())
	assert.True(t, StatusRequiresConfirmation.AcceptsPayment())
	assert.False(t, StatusProcessing.AcceptsPayment())
	assert.False(t, StatusSucceeded.AcceptsPayment())
	assert.False(t, StatusCanceled.AcceptsPayment())
}
