// Package dispatch turns completed donations into overlay alert messages:
// select the tier, resolve one asset, render the template, hand the result to
// the connection registry. Everything here is fire-and-forget; an alert with
// no live subscribers is simply dropped.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamcash/server/internal/events"
	"github.com/streamcash/server/internal/registry"
	"github.com/streamcash/server/internal/storage"
	"github.com/streamcash/server/internal/telegram"
	"github.com/streamcash/server/internal/tiers"
)

// DonationPayload is the donation slice of the outbound alert message.
type DonationPayload struct {
	DonorName     *string         `json:"donor_name"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Message       string          `json:"message"`
	IsAnonymous   bool            `json:"is_anonymous"`
	FormattedText string          `json:"formatted_text"`
}

// ResolvedTier is the selected tier with its dispatch-time asset choice.
type ResolvedTier struct {
	tiers.AlertTier
	AssetURL string `json:"asset_url,omitempty"`
}

// AlertMessage is what overlay subscribers receive.
type AlertMessage struct {
	Type     string          `json:"type"`
	Donation DonationPayload `json:"donation"`
	Tier     ResolvedTier    `json:"tier"`
}

type Dispatcher struct {
	store    *storage.Storage
	registry *registry.Registry
	tg       *telegram.Notifier // nil when no bot token is configured
	log      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store *storage.Storage, reg *registry.Registry, tg *telegram.Notifier, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: reg,
		tg:       tg,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register subscribes the dispatcher to completed-donation events.
func (d *Dispatcher) Register(bus *events.Bus) {
	bus.Subscribe(events.DonationCompleted, d.HandleCompleted)
}

// HandleCompleted composes and broadcasts the alert for one completed donation.
func (d *Dispatcher) HandleCompleted(ctx context.Context, ev events.Envelope) {
	donation, ok := ev.Payload.(events.DonationEvent)
	if !ok {
		d.log.Error("unexpected payload type", "event_type", string(ev.Type))
		return
	}

	streamer, err := d.store.GetStreamer(donation.StreamerID)
	if err != nil {
		d.log.Error("load streamer", "streamer_id", donation.StreamerID, "error", err)
		return
	}

	settings, err := d.store.GetAlertSettings(streamer.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.log.Error("load alert settings", "streamer_id", streamer.ID, "error", err)
		return
	}

	showAnonymous := true
	var tierDoc []byte
	if settings != nil {
		if !settings.AlertsEnabled {
			d.log.Debug("alerts disabled", "streamer_id", streamer.ID)
			return
		}
		showAnonymous = settings.ShowAnonymous
		tierDoc = settings.Tiers
	}

	if donation.IsAnonymous && !showAnonymous {
		d.log.Debug("anonymous alerts disabled", "streamer_id", streamer.ID)
		return
	}

	list, err := tiers.Parse(tierDoc)
	if err != nil {
		// A broken tier document must not swallow the alert.
		d.log.Warn("invalid tier config, using default tier", "streamer_id", streamer.ID, "error", err)
		list = nil
	}

	tier := tiers.Select(list, donation.Amount)
	formatted := tiers.Render(tier, donation.DonorName, donation.IsAnonymous, donation.Amount, donation.Message)

	d.mu.Lock()
	asset := tiers.PickAsset(tier, d.rng)
	d.mu.Unlock()

	donorName := donation.DonorName
	if donation.IsAnonymous {
		donorName = nil
	}

	msg := AlertMessage{
		Type: "donation",
		Donation: DonationPayload{
			DonorName:     donorName,
			Amount:        donation.Amount,
			Currency:      "₽",
			Message:       donation.Message,
			IsAnonymous:   donation.IsAnonymous,
			FormattedText: formatted,
		},
		Tier: ResolvedTier{AlertTier: tier, AssetURL: asset},
	}

	delivered := d.registry.Broadcast(streamer.ID, msg)
	d.log.Info("alert dispatched",
		"donation_id", donation.DonationID,
		"streamer_id", streamer.ID,
		"tier", tier.ID,
		"delivered", delivered,
	)

	if err := d.store.MarkAlertShown(donation.DonationID); err != nil {
		d.log.Error("mark alert shown", "donation_id", donation.DonationID, "error", err)
	}

	if d.tg != nil && streamer.TelegramChatID != nil {
		name := anonymousOr(donorName)
		if err := d.tg.NotifyDonation(ctx, *streamer.TelegramChatID, name, donation.Amount, donation.Message); err != nil {
			d.log.Error("telegram notify", "streamer_id", streamer.ID, "error", err)
		}
	}
}

func anonymousOr(name *string) string {
	if name == nil || *name == "" {
		return "Аноним"
	}
	return *name
}
