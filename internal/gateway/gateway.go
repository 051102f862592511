// Package gateway normalizes payment provider integrations behind a single
// adapter contract. Each provider maps its own status vocabulary onto the
// internal donation status enum; statuses a provider added after this code was
// written map to pending, never to a terminal state.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/streamcash/server/internal/storage"
)

// CreateRequest describes the payment to initiate.
type CreateRequest struct {
	DonationID  int64
	Amount      decimal.Decimal
	Description string
}

// Payment is the provider's answer to a create call.
type Payment struct {
	ExternalID  string
	RedirectURL string
	OrderID     string
}

// Gateway is the provider adapter contract.
type Gateway interface {
	// CreatePayment registers the payment with the provider and returns the
	// external id and the URL the donor is redirected to.
	CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error)
	// CheckStatus re-derives the payment status from the provider. amount is
	// the pledged amount; adapters whose provider does not enforce the amount
	// itself (on-chain transfers) must verify the observed payment covers it
	// before reporting completed.
	CheckStatus(ctx context.Context, externalID string, amount decimal.Decimal) (storage.Status, error)
	// SupportsPolling reports whether CheckStatus is usable by the reconciler.
	SupportsPolling() bool
}

// WebhookParser is implemented by gateways whose provider pushes status
// notifications. It turns a raw webhook body into (externalID, status).
type WebhookParser interface {
	ParseWebhook(body []byte) (externalID string, status storage.Status, err error)
}

// ProviderError is a definitive rejection from the provider: the request was
// understood and refused. Permanent for this call; retrying will not help.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider rejected request (code %s): %s", e.Provider, e.Code, e.Message)
}

// IsPermanent reports whether err is a non-retryable provider rejection.
// Anything else (network failure, timeout, unparseable response) is transient
// and picked up again by the next poll cycle.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

var ErrUnknownMethod = errors.New("no gateway registered for payment method")

// Registry routes payment method tags to their adapters.
type Registry struct {
	gateways map[storage.Method]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[storage.Method]Gateway)}
}

func (r *Registry) Register(m storage.Method, g Gateway) {
	r.gateways[m] = g
}

func (r *Registry) Get(m storage.Method) (Gateway, error) {
	g, ok := r.gateways[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
	return g, nil
}

// PollableMethods lists the methods the reconciliation poller should scan.
func (r *Registry) PollableMethods() []storage.Method {
	var out []storage.Method
	for m, g := range r.gateways {
		if g.SupportsPolling() {
			out = append(out, m)
		}
	}
	return out
}
