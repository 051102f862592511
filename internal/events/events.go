// Package events carries state-change notifications between components. The
// envelope shape matches what a broker-backed deployment would publish, but the
// bus itself is in-process: broker topology is an operational concern, not a
// correctness one.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	DonationCreated   Type = "donation.created"
	DonationCompleted Type = "donation.completed"
	DonationFailed    Type = "donation.failed"
	DonationRefunded  Type = "donation.refunded"
	NotificationSend  Type = "notification.send"
)

// Envelope wraps a payload with its type tag and correlation metadata.
// Immutable once published.
type Envelope struct {
	Type          Type        `json:"event_type"`
	CorrelationID string      `json:"correlation_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Payload       interface{} `json:"data"`
}

// NewEnvelope stamps a payload with a fresh correlation id.
func NewEnvelope(t Type, payload interface{}) Envelope {
	return Envelope{
		Type:          t,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// DonationEvent is the payload for donation lifecycle events.
type DonationEvent struct {
	DonationID  int64           `json:"donation_id"`
	StreamerID  int64           `json:"streamer_id"`
	DonorName   *string         `json:"donor_name"`
	Amount      decimal.Decimal `json:"amount"`
	Message     string          `json:"message"`
	IsAnonymous bool            `json:"is_anonymous"`
}

// Handler consumes a published envelope.
type Handler func(ctx context.Context, ev Envelope)

// Bus is a minimal in-process publish/subscribe fan-out. Handlers run in their
// own goroutine per delivery; publishers never block on slow consumers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers the envelope to every handler subscribed to its type.
// Handlers outlive the publisher's scope: a webhook request context is
// cancelled the moment the response is written, so handlers get the caller's
// values but not its cancellation.
func (b *Bus) Publish(ctx context.Context, ev Envelope) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[ev.Type]))
	copy(hs, b.handlers[ev.Type])
	b.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, h := range hs {
		go h(ctx, ev)
	}
}
