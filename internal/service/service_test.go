package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"paywall/internal/config"
	"paywall/internal/models"
	"paywall/internal/observability"
	"paywall/internal/payment"
	"paywall/internal/store"
)

const testWebhookSecret = "whsec_service_test"

type fakeProcessor struct {
	mu          sync.Mutex
	seq         int
	txs         map[string]*payment.Transaction
	created     []payment.CreateTransactionParams
	createErr   error
	retrieveErr error
	createDelay time.Duration
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{txs: map[string]*payment.Transaction{}}
}

func (p *fakeProcessor) CreateTransaction(_ context.Context, params payment.CreateTransactionParams) (*payment.Transaction, error) {
	if p.createDelay > 0 {
		time.Sleep(p.createDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.seq++
	p.created = append(p.created, params)
	id := fmt.Sprintf("pi_%d", p.seq)
	metadata := map[string]string{}
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	tx := &payment.Transaction{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payment.StatusRequiresPaymentMethod,
		Amount:       params.Amount,
		Currency:     params.Currency,
		Metadata:     metadata,
	}
	p.txs[id] = tx
	out := *tx
	return &out, nil
}

func (p *fakeProcessor) RetrieveTransaction(_ context.Context, id string) (*payment.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retrieveErr != nil {
		return nil, p.retrieveErr
	}
	tx, ok := p.txs[id]
	if !ok {
		return nil, fmt.Errorf("no such transaction %s", id)
	}
	out := *tx
	return &out, nil
}

func (p *fakeProcessor) Verify(payload []byte, signature, secret string) (*payment.Event, error) {
	return payment.VerifyStripeEvent(payload, signature, secret)
}

func (p *fakeProcessor) setStatus(id string, status payment.TransactionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs[id].Status = status
}

func (p *fakeProcessor) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

func (p *fakeProcessor) transaction(id string) *payment.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := *p.txs[id]
	return &out
}

type testEnv struct {
	store        *store.BoltStore
	ledger       *store.RedisStore
	redis        *miniredis.Miniredis
	processor    *fakeProcessor
	cfg          *config.Config
	entitlements *EntitlementEvaluator
	purchases    *PurchaseService
	webhooks     *WebhookService
	gate         *AccessGate
}

var longContent = strings.Repeat("é", 600)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "paywall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := store.NewRedisStore(client)

	cfg := &config.Config{
		Currency:            "eur",
		DefaultChapterPrice: 299,
		StripeWebhookSecret: testWebhookSecret,
		PreviewLength:       500,
		WebhookEventTTL:     time.Hour,
	}
	logger := log.New(io.Discard, "", 0)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	processor := newFakeProcessor()
	entitlements := NewEntitlementEvaluator(s, metrics)

	env := &testEnv{
		store:        s,
		ledger:       ledger,
		redis:        mr,
		processor:    processor,
		cfg:          cfg,
		entitlements: entitlements,
		purchases:    NewPurchaseService(logger, s, processor, cfg, metrics),
		webhooks:     NewWebhookService(logger, s, processor, ledger, cfg, metrics),
		gate:         NewAccessGate(logger, s, entitlements, cfg),
	}

	env.putChapter(t, "ch-1", 1, true, nil)
	env.putChapter(t, "ch-2", 2, false, int64Ptr(299))
	env.putChapter(t, "ch-3", 3, false, nil)
	return env
}

func int64Ptr(v int64) *int64 { return &v }

func (e *testEnv) putChapter(t *testing.T, id string, number int, free bool, price *int64) {
	t.Helper()
	require.NoError(t, e.store.PutChapter(context.Background(), &models.Chapter{
		ID:            id,
		FictionID:     "fiction-1",
		FictionTitle:  "The Long Road",
		ChapterNumber: number,
		Title:         fmt.Sprintf("Chapter %d", number),
		Content:       longContent,
		IsFree:        free,
		Price:         price,
	}))
}

// notify delivers a correctly signed notification about tx.
func (e *testEnv) notify(t *testing.T, eventID, eventType string, tx *payment.Transaction) (*WebhookResult, error) {
	t.Helper()
	payload, header := signEvent(t, eventID, eventType, tx)
	return e.webhooks.HandleNotification(context.Background(), payload, header)
}

func signEvent(t *testing.T, eventID, eventType string, tx *payment.Transaction) ([]byte, string) {
	t.Helper()
	object := map[string]any{
		"id":       tx.ID,
		"object":   "payment_intent",
		"amount":   tx.Amount,
		"currency": tx.Currency,
		"status":   string(tx.Status),
		"metadata": tx.Metadata,
	}
	body, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

// pay initiates a purchase and delivers its success notification.
func (e *testEnv) pay(t *testing.T, userID, chapterID string) *models.Purchase {
	t.Helper()
	ctx := context.Background()
	_, err := e.purchases.InitiatePurchase(ctx, userID, chapterID)
	require.NoError(t, err)

	p, err := e.store.GetPurchase(ctx, userID, chapterID)
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = e.notify(t, "evt_pay_"+p.ExternalTransactionID, "payment_intent.succeeded", e.processor.transaction(p.ExternalTransactionID))
	require.NoError(t, err)

	p, err = e.store.GetPurchase(ctx, userID, chapterID)
	require.NoError(t, err)
	return p
}
