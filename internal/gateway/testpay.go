package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/streamcash/server/internal/storage"
)

// TestPay is the built-in fake provider used on staging and by the end-to-end
// test page. Payments complete only through its webhook; it is deliberately
// not pollable so the reconciler leaves it alone.
type TestPay struct {
	frontendURL string
}

func NewTestPay(frontendURL string) *TestPay {
	return &TestPay{frontendURL: frontendURL}
}

func (t *TestPay) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	id := uuid.NewString()
	return &Payment{
		ExternalID:  id,
		RedirectURL: fmt.Sprintf("%s/donate/test-payment?payment_id=%s&amount=%s", t.frontendURL, id, req.Amount.String()),
	}, nil
}

func (t *TestPay) CheckStatus(ctx context.Context, externalID string, amount decimal.Decimal) (storage.Status, error) {
	return storage.StatusPending, nil
}

func (t *TestPay) SupportsPolling() bool { return false }

type testNotification struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

func (t *TestPay) ParseWebhook(body []byte) (string, storage.Status, error) {
	var n testNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", "", fmt.Errorf("test webhook: %w", err)
	}
	if n.PaymentID == "" {
		return "", "", fmt.Errorf("test webhook: missing payment_id")
	}

	switch n.Status {
	case "succeeded":
		return n.PaymentID, storage.StatusCompleted, nil
	case "failed":
		return n.PaymentID, storage.StatusFailed, nil
	default:
		return n.PaymentID, storage.StatusPending, nil
	}
}
