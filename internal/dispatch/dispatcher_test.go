package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcash/server/internal/events"
	"github.com/streamcash/server/internal/registry"
	"github.com/streamcash/server/internal/storage"
)

type captureConn struct {
	mu       sync.Mutex
	messages []interface{}
}

func (c *captureConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, v)
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) last(t *testing.T) AlertMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.messages)
	msg, ok := c.messages[len(c.messages)-1].(AlertMessage)
	require.True(t, ok)
	return msg
}

func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

type fixture struct {
	dispatcher *Dispatcher
	store      *storage.Storage
	registry   *registry.Registry
	streamer   *storage.Streamer
	conn       *captureConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(log)

	streamer, err := store.CreateStreamer("S", "s", decimal.New(1, 0), decimal.New(100000, 0))
	require.NoError(t, err)

	conn := &captureConn{}
	reg.Connect(streamer.ID, conn)

	return &fixture{
		dispatcher: New(store, reg, nil, log),
		store:      store,
		registry:   reg,
		streamer:   streamer,
		conn:       conn,
	}
}

func (f *fixture) seedDonation(t *testing.T, anonymous bool) *storage.Donation {
	t.Helper()

	name := "Алиса"
	d, err := f.store.CreateDonation(storage.NewDonation{
		StreamerID:  f.streamer.ID,
		DonorName:   &name,
		Amount:      decimal.New(150, 0),
		Message:     "привет",
		Method:      storage.MethodTBank,
		IsAnonymous: anonymous,
		IsPublic:    true,
	})
	require.NoError(t, err)
	return d
}

func completedEvent(d *storage.Donation) events.Envelope {
	return events.NewEnvelope(events.DonationCompleted, events.DonationEvent{
		DonationID:  d.ID,
		StreamerID:  d.StreamerID,
		DonorName:   d.DonorName,
		Amount:      d.Amount,
		Message:     d.Message,
		IsAnonymous: d.IsAnonymous,
	})
}

func TestHandleCompletedBroadcastsAlert(t *testing.T) {
	f := newFixture(t)
	d := f.seedDonation(t, false)

	f.dispatcher.HandleCompleted(context.Background(), completedEvent(d))

	msg := f.conn.last(t)
	assert.Equal(t, "donation", msg.Type)
	require.NotNil(t, msg.Donation.DonorName)
	assert.Equal(t, "Алиса", *msg.Donation.DonorName)
	assert.Equal(t, "₽", msg.Donation.Currency)
	assert.True(t, msg.Donation.Amount.Equal(decimal.New(150, 0)))
	assert.Equal(t, "🎉 Алиса донатит 150₽! привет", msg.Donation.FormattedText)
	assert.Equal(t, "default", msg.Tier.ID, "no configured tiers means the built-in default")

	got, err := f.store.GetDonation(d.ID)
	require.NoError(t, err)
	assert.True(t, got.AlertShown)
}

func TestHandleCompletedAnonymous(t *testing.T) {
	f := newFixture(t)
	d := f.seedDonation(t, true)

	f.dispatcher.HandleCompleted(context.Background(), completedEvent(d))

	msg := f.conn.last(t)
	assert.Nil(t, msg.Donation.DonorName, "submitted name must not leak for anonymous donations")
	assert.True(t, msg.Donation.IsAnonymous)
	assert.Contains(t, msg.Donation.FormattedText, "Аноним")
}

func TestHandleCompletedUsesConfiguredTiers(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.PutAlertSettings(&storage.AlertSettings{
		StreamerID:    f.streamer.ID,
		AlertsEnabled: true,
		ShowAnonymous: true,
		Tiers: []byte(`[
			{"id":"small","min_amount":"1","max_amount":"99","text_template":"small: {amount}"},
			{"id":"big","min_amount":"100","text_template":"big: {donor_name} {amount}"}
		]`),
	}))

	d := f.seedDonation(t, false) // 150 rubles
	f.dispatcher.HandleCompleted(context.Background(), completedEvent(d))

	msg := f.conn.last(t)
	assert.Equal(t, "big", msg.Tier.ID)
	assert.Equal(t, "big: Алиса 150", msg.Donation.FormattedText)
}

func TestHandleCompletedRespectsSettings(t *testing.T) {
	t.Run("alerts disabled", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.PutAlertSettings(&storage.AlertSettings{
			StreamerID:    f.streamer.ID,
			AlertsEnabled: false,
			ShowAnonymous: true,
		}))

		d := f.seedDonation(t, false)
		f.dispatcher.HandleCompleted(context.Background(), completedEvent(d))
		assert.Equal(t, 0, f.conn.count())
	})

	t.Run("anonymous hidden", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.PutAlertSettings(&storage.AlertSettings{
			StreamerID:    f.streamer.ID,
			AlertsEnabled: true,
			ShowAnonymous: false,
		}))

		anon := f.seedDonation(t, true)
		f.dispatcher.HandleCompleted(context.Background(), completedEvent(anon))
		assert.Equal(t, 0, f.conn.count())

		// Named donations still alert.
		named := f.seedDonation(t, false)
		f.dispatcher.HandleCompleted(context.Background(), completedEvent(named))
		assert.Equal(t, 1, f.conn.count())
	})

	t.Run("broken tier config falls back to default", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.PutAlertSettings(&storage.AlertSettings{
			StreamerID:    f.streamer.ID,
			AlertsEnabled: true,
			ShowAnonymous: true,
			Tiers:         []byte(`{"oops": true}`),
		}))

		d := f.seedDonation(t, false)
		f.dispatcher.HandleCompleted(context.Background(), completedEvent(d))

		msg := f.conn.last(t)
		assert.Equal(t, "default", msg.Tier.ID)
	})
}
