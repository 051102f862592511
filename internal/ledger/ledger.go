// Package ledger owns the donation state machine. Both the webhook path and
// the reconciliation poller funnel provider observations through the same
// ApplyExternalStatus call, so a missed webhook and a duplicated one converge
// on the same end state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamcash/server/internal/events"
	"github.com/streamcash/server/internal/storage"
)

var (
	ErrUnknownPayment   = errors.New("no donation for external payment id")
	ErrInvalidAmount    = errors.New("donation amount must be positive")
	ErrAmountOutOfRange = errors.New("donation amount outside streamer limits")
)

type Ledger struct {
	store *storage.Storage
	bus   *events.Bus
	log   *slog.Logger
}

func New(store *storage.Storage, bus *events.Bus, log *slog.Logger) *Ledger {
	return &Ledger{store: store, bus: bus, log: log}
}

// CreateDonation validates the pledge against the streamer's limits and
// persists it in pending state.
func (l *Ledger) CreateDonation(ctx context.Context, in storage.NewDonation) (*storage.Donation, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	streamer, err := l.store.GetStreamer(in.StreamerID)
	if err != nil {
		return nil, err
	}

	// TON pledges are denominated in TON, not rubles; the streamer's ruble
	// limits do not apply to them.
	if in.Method != storage.MethodTON {
		if in.Amount.LessThan(streamer.MinAmount) || in.Amount.GreaterThan(streamer.MaxAmount) {
			return nil, ErrAmountOutOfRange
		}
	}

	d, err := l.store.CreateDonation(in)
	if err != nil {
		return nil, err
	}

	l.bus.Publish(ctx, events.NewEnvelope(events.DonationCreated, donationPayload(d)))
	return d, nil
}

// AttachPayment records the gateway-assigned external id and redirect URL.
func (l *Ledger) AttachPayment(ctx context.Context, donationID int64, externalID, redirectURL string) error {
	return l.store.SetPaymentDetails(donationID, externalID, redirectURL)
}

// ApplyExternalStatus applies a provider observation to the donation owning
// the external payment id. This is the single reconciliation entry point used
// by every webhook handler and by the poller; the loser of a webhook/poller
// race is a silent no-op.
func (l *Ledger) ApplyExternalStatus(ctx context.Context, externalID string, st storage.Status) error {
	d, err := l.store.GetDonationByPaymentID(externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownPayment
		}
		return err
	}

	return l.Transition(ctx, d.ID, st)
}

// Transition drives the donation toward newStatus. Completed and failed are
// terminal; the only transition out of a terminal state is the explicit
// completed -> refunded path. Observing pending, the current state, or an
// invalid move is a no-op, never an error.
func (l *Ledger) Transition(ctx context.Context, donationID int64, newStatus storage.Status) error {
	switch newStatus {
	case storage.StatusPending:
		return nil

	case storage.StatusCompleted:
		won, err := l.store.CompleteDonation(ctx, donationID)
		if err != nil {
			return fmt.Errorf("complete donation %d: %w", donationID, err)
		}
		if !won {
			return nil
		}

		d, err := l.store.GetDonation(donationID)
		if err != nil {
			return err
		}
		l.log.Info("donation completed",
			"donation_id", d.ID,
			"streamer_id", d.StreamerID,
			"amount", d.Amount.String(),
			"method", string(d.Method),
		)
		l.bus.Publish(ctx, events.NewEnvelope(events.DonationCompleted, donationPayload(d)))
		return nil

	case storage.StatusFailed:
		won, err := l.store.FailDonation(ctx, donationID)
		if err != nil {
			return fmt.Errorf("fail donation %d: %w", donationID, err)
		}
		if won {
			l.log.Info("donation failed", "donation_id", donationID)
			l.bus.Publish(ctx, events.NewEnvelope(events.DonationFailed, events.DonationEvent{DonationID: donationID}))
		}
		return nil

	case storage.StatusRefunded:
		won, err := l.store.RefundDonation(ctx, donationID)
		if err != nil {
			return fmt.Errorf("refund donation %d: %w", donationID, err)
		}
		if won {
			l.log.Info("donation refunded", "donation_id", donationID)
			l.bus.Publish(ctx, events.NewEnvelope(events.DonationRefunded, events.DonationEvent{DonationID: donationID}))
		}
		return nil

	default:
		return fmt.Errorf("unknown status %q", newStatus)
	}
}

func donationPayload(d *storage.Donation) events.DonationEvent {
	return events.DonationEvent{
		DonationID:  d.ID,
		StreamerID:  d.StreamerID,
		DonorName:   d.DonorName,
		Amount:      d.Amount,
		Message:     d.Message,
		IsAnonymous: d.IsAnonymous,
	}
}
