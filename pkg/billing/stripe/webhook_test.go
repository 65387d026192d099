package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
	"github.com/mihaimyh/gosubsync/storage/memory"
)

type recordingMetrics struct {
	billing.NoopMetrics
	durations map[string]int
}

func (m *recordingMetrics) RecordWebhookProcessingDuration(_, eventType string, _ time.Duration) {
	if m.durations == nil {
		m.durations = make(map[string]int)
	}
	m.durations[eventType]++
}

func postWebhook(t *testing.T, provider *Provider, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	provider.handleWebhook(rec, req)
	return rec
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	manager, _ := newTestManager(t)
	provider := newTestProvider(t, manager)

	req := httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil)
	rec := httptest.NewRecorder()
	provider.handleWebhook(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})

	rec := postWebhook(t, provider, payload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	// Store must never be written on a rejected payload
	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no subscription written")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})

	// Signed with the wrong secret
	sig := signPayload(payload, "whsec_wrong_secret", time.Now())
	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no subscription written")
	}
}

func TestWebhook_TamperedPayload(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	// Signature computed over different bytes than delivered
	tampered := bytes.Replace(payload, []byte("monthly"), []byte("permanent"), 1)
	rec := postWebhook(t, provider, tampered, sig)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for tampered payload, got %d", rec.Code)
	}

	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no subscription written")
	}
}

func TestWebhook_CheckoutSessionCompleted(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	now := time.Now()
	payload := eventPayload(t, "checkout.session.completed", now, map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})
	sig := signPayload(payload, testStripeWebhookSecret, now)

	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var ack map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack["received"] {
		t.Errorf("Expected {\"received\":true} acknowledgment, got %s", rec.Body.String())
	}

	sub, err := storage.GetSubscription(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.Plan != "monthly" {
		t.Errorf("Expected plan monthly, got %s", sub.Plan)
	}
	if !sub.Active(time.Now().UTC()) {
		t.Error("Expected active subscription")
	}

	// end_at ~ event time + 1 month
	want := time.Unix(now.Unix(), 0).UTC().AddDate(0, 1, 0)
	if !sub.EndAt.Equal(want) {
		t.Errorf("Expected end_at %v, got %v", want, *sub.EndAt)
	}
}

func TestWebhook_CheckoutSessionCompleted_Replay(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	now := time.Now()
	payload := eventPayload(t, "checkout.session.completed", now, map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})

	for i := 0; i < 2; i++ {
		sig := signPayload(payload, testStripeWebhookSecret, time.Now())
		rec := postWebhook(t, provider, payload, sig)
		if rec.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	sub, err := storage.GetSubscription(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	want := time.Unix(now.Unix(), 0).UTC().AddDate(0, 1, 0)
	if !sub.EndAt.Equal(want) {
		t.Errorf("Replay doubled end_at: expected %v, got %v", want, *sub.EndAt)
	}
}

func TestWebhook_CheckoutSessionCompleted_MissingMetadata(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	cases := []struct {
		name     string
		metadata map[string]string
	}{
		{"no metadata", nil},
		{"missing plan", map[string]string{"identity": testIdentity}},
		{"missing identity", map[string]string{"plan": "monthly"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			object := map[string]interface{}{"id": "cs_test_1"}
			if tc.metadata != nil {
				object["metadata"] = tc.metadata
			}
			payload := eventPayload(t, "checkout.session.completed", time.Now(), object)
			sig := signPayload(payload, testStripeWebhookSecret, time.Now())

			rec := postWebhook(t, provider, payload, sig)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}

	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no subscription written")
	}
}

// Metadata rejections are a terminal outcome and must land in the
// processing duration histogram like the error and success paths.
func TestWebhook_MissingMetadataRecordsDuration(t *testing.T) {
	manager, _ := newTestManager(t)
	metrics := &recordingMetrics{}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Manager:      manager,
			PriceMapping: map[string]string{testPriceIDMonthly: "monthly"},
			Metrics:      metrics,
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	payload := eventPayload(t, "checkout.session.completed", time.Now(), map[string]interface{}{
		"id": "cs_test_1",
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if got := metrics.durations["checkout.session.completed"]; got != 1 {
		t.Errorf("Expected 1 duration observation, got %d", got)
	}
}

func TestWebhook_UnhandledEventType(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "customer.created", time.Now(), map[string]interface{}{
		"id": "cus_test_1",
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	// Intentionally ignored events are acknowledged so Stripe stops
	// redelivering them
	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for ignored event type, got %d", rec.Code)
	}

	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no side effects for ignored event")
	}
}

func TestWebhook_InvoicePaymentSucceeded(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	now := time.Now()
	periodEnd := now.AddDate(0, 1, 0)
	payload := eventPayload(t, "invoice.payment_succeeded", now, map[string]interface{}{
		"id":             "in_test_1",
		"customer_email": testIdentity,
		"customer":       map[string]interface{}{"id": "cus_test_1"},
		"subscription":   "sub_test_1",
		"lines": map[string]interface{}{
			"data": []map[string]interface{}{
				{"period": map[string]int64{"start": now.Unix(), "end": periodEnd.Unix()}},
			},
		},
	})
	sig := signPayload(payload, testStripeWebhookSecret, now)

	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sub, err := storage.GetSubscription(context.Background(), testIdentity)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.CustomerID == nil || *sub.CustomerID != "cus_test_1" {
		t.Error("Expected customer_id cus_test_1")
	}
	if sub.SubscriptionID == nil || *sub.SubscriptionID != "sub_test_1" {
		t.Error("Expected subscription_id sub_test_1")
	}
	want := time.Unix(periodEnd.Unix(), 0).UTC()
	if !sub.EndAt.Equal(want) {
		t.Errorf("Expected end_at %v from invoice line period, got %v", want, *sub.EndAt)
	}
}

func TestWebhook_InvoiceWithoutSubscription_Ignored(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "invoice.payment_succeeded", time.Now(), map[string]interface{}{
		"id":             "in_test_1",
		"customer_email": testIdentity,
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for one-off invoice, got %d", rec.Code)
	}
	if _, err := storage.GetSubscription(context.Background(), testIdentity); err != subsync.ErrSubscriptionNotFound {
		t.Error("Expected no record for one-off invoice")
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	manager, storage := newTestManager(t)
	provider := newTestProvider(t, manager)
	ctx := context.Background()

	customerID := "cus_test_1"
	subscriptionID := "sub_test_1"
	end := time.Now().UTC().AddDate(0, 1, 0)
	created := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := storage.UpsertSubscription(ctx, &subsync.Subscription{
		Identity:       testIdentity,
		Plan:           "monthly",
		CustomerID:     &customerID,
		SubscriptionID: &subscriptionID,
		EndAt:          &end,
		CreatedAt:      created,
	}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	payload := eventPayload(t, "customer.subscription.deleted", time.Now(), map[string]interface{}{
		"id":     "sub_test_1",
		"status": "canceled",
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	sub, err := storage.GetSubscription(ctx, testIdentity)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.CustomerID != nil || sub.SubscriptionID != nil {
		t.Error("Expected billing refs cleared")
	}
	if !sub.CreatedAt.Equal(created) {
		t.Error("Expected created_at unchanged")
	}
}

// failingStorage simulates a store outage for the write path
type failingStorage struct {
	*memory.Storage
}

func (f *failingStorage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	return fmt.Errorf("connection refused")
}

func TestWebhook_StoreWriteError(t *testing.T) {
	storage := &failingStorage{Storage: memory.New()}
	if err := storage.SetProfile(context.Background(), &subsync.Profile{Identity: testIdentity}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	manager, err := subsync.NewManager(storage, subsync.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	provider := newTestProvider(t, manager)

	payload := eventPayload(t, "checkout.session.completed", time.Now(), map[string]interface{}{
		"id":       "cs_test_1",
		"metadata": map[string]string{"identity": testIdentity, "plan": "monthly"},
	})
	sig := signPayload(payload, testStripeWebhookSecret, time.Now())

	// Transient store failures surface as 500 so Stripe redelivers
	rec := postWebhook(t, provider, payload, sig)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for store write failure, got %d", rec.Code)
	}
}
