package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcash/server/internal/storage"
)

func TestIsPermanent(t *testing.T) {
	pe := &ProviderError{Provider: "tbank", Code: "9999", Message: "rejected"}

	assert.True(t, IsPermanent(pe))
	assert.True(t, IsPermanent(fmt.Errorf("create payment: %w", pe)))
	assert.False(t, IsPermanent(errors.New("connection reset")))
	assert.False(t, IsPermanent(nil))
}

type stubGateway struct {
	pollable bool
}

func (g *stubGateway) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	return &Payment{ExternalID: "stub"}, nil
}

func (g *stubGateway) CheckStatus(ctx context.Context, externalID string, amount decimal.Decimal) (storage.Status, error) {
	return storage.StatusPending, nil
}

func (g *stubGateway) SupportsPolling() bool { return g.pollable }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(storage.MethodTBank, &stubGateway{pollable: true})
	r.Register(storage.MethodTest, &stubGateway{pollable: false})

	_, err := r.Get(storage.MethodTBank)
	require.NoError(t, err)

	_, err = r.Get(storage.MethodTON)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	assert.Equal(t, []storage.Method{storage.MethodTBank}, r.PollableMethods())
}

func TestStripeParseWebhook(t *testing.T) {
	s := &Stripe{frontendURL: "https://front.example"}

	tests := []struct {
		name       string
		body       string
		wantID     string
		wantStatus storage.Status
		wantErr    bool
	}{
		{
			name:       "succeeded",
			body:       `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`,
			wantID:     "pi_1",
			wantStatus: storage.StatusCompleted,
		},
		{
			name:       "payment failed",
			body:       `{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2"}}}`,
			wantID:     "pi_2",
			wantStatus: storage.StatusFailed,
		},
		{
			name:       "canceled",
			body:       `{"type":"payment_intent.canceled","data":{"object":{"id":"pi_3"}}}`,
			wantID:     "pi_3",
			wantStatus: storage.StatusFailed,
		},
		{
			name:       "unhandled event type stays pending",
			body:       `{"type":"payment_intent.created","data":{"object":{"id":"pi_4"}}}`,
			wantID:     "pi_4",
			wantStatus: storage.StatusPending,
		},
		{
			name:    "missing object id",
			body:    `{"type":"payment_intent.succeeded","data":{"object":{}}}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			body:    `garbage`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, st, err := s.ParseWebhook([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantStatus, st)
		})
	}
}

func TestMapStripeStatus(t *testing.T) {
	assert.Equal(t, storage.StatusCompleted, mapStripeStatus(stripe.PaymentIntentStatusSucceeded))
	assert.Equal(t, storage.StatusFailed, mapStripeStatus(stripe.PaymentIntentStatusCanceled))
	assert.Equal(t, storage.StatusPending, mapStripeStatus(stripe.PaymentIntentStatusProcessing))
	assert.Equal(t, storage.StatusPending, mapStripeStatus(stripe.PaymentIntentStatusRequiresAction))
	assert.Equal(t, storage.StatusPending, mapStripeStatus(stripe.PaymentIntentStatus("brand_new_status")))
}

func TestTestPayParseWebhook(t *testing.T) {
	tp := NewTestPay("https://front.example")

	id, st, err := tp.ParseWebhook([]byte(`{"payment_id":"abc","status":"succeeded"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, storage.StatusCompleted, st)

	_, st, err = tp.ParseWebhook([]byte(`{"payment_id":"abc","status":"failed"}`))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, st)

	_, st, err = tp.ParseWebhook([]byte(`{"payment_id":"abc","status":"weird"}`))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, st)

	_, _, err = tp.ParseWebhook([]byte(`{"status":"succeeded"}`))
	assert.Error(t, err)
}
