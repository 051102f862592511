package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStreamer(t *testing.T, s *Storage) *Streamer {
	t.Helper()

	streamer, err := s.CreateStreamer("Test Streamer", "test-streamer",
		decimal.New(10, 0), decimal.New(10000, 0))
	require.NoError(t, err)
	return streamer
}

func strptr(v string) *string { return &v }

func TestCreateStreamer(t *testing.T) {
	s := newTestStorage(t)

	streamer := newTestStreamer(t, s)
	assert.True(t, streamer.TotalDonated.IsZero())

	got, err := s.GetStreamer(streamer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Test Streamer", got.DisplayName)
	assert.True(t, got.MinAmount.Equal(decimal.New(10, 0)))
	assert.Nil(t, got.TelegramChatID)

	byURL, err := s.GetStreamerByURL("test-streamer")
	require.NoError(t, err)
	assert.Equal(t, streamer.ID, byURL.ID)

	_, err = s.CreateStreamer("Another", "test-streamer", decimal.New(10, 0), decimal.New(10000, 0))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.GetStreamer(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDonationForcesPending(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	d, err := s.CreateDonation(NewDonation{
		StreamerID: streamer.ID,
		DonorName:  strptr("Alice"),
		Amount:     decimal.RequireFromString("100.50"),
		Message:    "hello",
		Method:     MethodTBank,
		IsPublic:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)

	got, err := s.GetDonation(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("100.50")), "amount survives the round trip exactly")
	assert.Nil(t, got.PaymentID)
}

func TestCompleteDonationExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	d, err := s.CreateDonation(NewDonation{
		StreamerID: streamer.ID,
		Amount:     decimal.New(100, 0),
		Method:     MethodTBank,
		IsPublic:   true,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetPaymentDetails(d.ID, "pay-1", "https://pay.example/1"))

	// First observer wins.
	won, err := s.CompleteDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, won)

	// The racing second observer is a no-op.
	won, err = s.CompleteDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetDonation(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	// The total was incremented exactly once.
	st, err := s.GetStreamer(streamer.ID)
	require.NoError(t, err)
	assert.True(t, st.TotalDonated.Equal(decimal.New(100, 0)),
		"want total 100, got %s", st.TotalDonated)
}

func TestCompleteDonationRequiresPaymentID(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	d, err := s.CreateDonation(NewDonation{
		StreamerID: streamer.ID,
		Amount:     decimal.New(100, 0),
		Method:     MethodTBank,
	})
	require.NoError(t, err)

	won, err := s.CompleteDonation(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, won, "donation without an external payment id must not complete")

	got, err := s.GetDonation(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = s.CompleteDonation(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailAndRefundTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	create := func(paymentID string) *Donation {
		d, err := s.CreateDonation(NewDonation{
			StreamerID: streamer.ID,
			Amount:     decimal.New(50, 0),
			Method:     MethodTBank,
		})
		require.NoError(t, err)
		require.NoError(t, s.SetPaymentDetails(d.ID, paymentID, ""))
		return d
	}

	t.Run("pending to failed", func(t *testing.T) {
		d := create("pay-f1")

		won, err := s.FailDonation(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, won)

		// failed is terminal
		won, err = s.CompleteDonation(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, won)

		won, err = s.FailDonation(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("refund only from completed", func(t *testing.T) {
		d := create("pay-r1")

		won, err := s.RefundDonation(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, won, "pending donations cannot be refunded")

		won, err = s.CompleteDonation(ctx, d.ID)
		require.NoError(t, err)
		require.True(t, won)

		won, err = s.RefundDonation(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, won)

		got, err := s.GetDonation(d.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, got.Status)
	})

	t.Run("refund keeps running total", func(t *testing.T) {
		before, err := s.GetStreamer(streamer.ID)
		require.NoError(t, err)

		d := create("pay-r2")
		_, err = s.CompleteDonation(ctx, d.ID)
		require.NoError(t, err)
		_, err = s.RefundDonation(ctx, d.ID)
		require.NoError(t, err)

		after, err := s.GetStreamer(streamer.ID)
		require.NoError(t, err)
		assert.True(t, after.TotalDonated.Equal(before.TotalDonated.Add(decimal.New(50, 0))),
			"the total is monotonic and survives refunds")
	})
}

func TestSetPaymentDetailsUnique(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	mk := func() *Donation {
		d, err := s.CreateDonation(NewDonation{
			StreamerID: streamer.ID,
			Amount:     decimal.New(10, 0),
			Method:     MethodTest,
		})
		require.NoError(t, err)
		return d
	}

	d1, d2 := mk(), mk()
	require.NoError(t, s.SetPaymentDetails(d1.ID, "dup-1", ""))
	assert.ErrorIs(t, s.SetPaymentDetails(d2.ID, "dup-1", ""), ErrAlreadyExists)
	assert.ErrorIs(t, s.SetPaymentDetails(9999, "other", ""), ErrNotFound)

	got, err := s.GetDonationByPaymentID("dup-1")
	require.NoError(t, err)
	assert.Equal(t, d1.ID, got.ID)

	_, err = s.GetDonationByPaymentID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingPollable(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	mk := func(method Method, paymentID string) *Donation {
		d, err := s.CreateDonation(NewDonation{
			StreamerID: streamer.ID,
			Amount:     decimal.New(10, 0),
			Method:     method,
		})
		require.NoError(t, err)
		if paymentID != "" {
			require.NoError(t, s.SetPaymentDetails(d.ID, paymentID, ""))
		}
		return d
	}

	wanted := mk(MethodTBank, "p-1")
	mk(MethodTBank, "")      // no payment id yet
	mk(MethodTest, "p-2")    // method not in scan set
	done := mk(MethodTBank, "p-3")
	_, err := s.CompleteDonation(context.Background(), done.ID)
	require.NoError(t, err)

	list, err := s.ListPendingPollable([]Method{MethodTBank, MethodTON})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, wanted.ID, list[0].ID)

	list, err = s.ListPendingPollable(nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListDonationsFilters(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	amounts := []int64{10, 50, 200}
	for i, a := range amounts {
		d, err := s.CreateDonation(NewDonation{
			StreamerID:  streamer.ID,
			Amount:      decimal.New(a, 0),
			Method:      MethodTest,
			IsAnonymous: i == 0,
			IsPublic:    true,
		})
		require.NoError(t, err)
		require.NoError(t, s.SetPaymentDetails(d.ID, fmt.Sprintf("list-%d", i), ""))
	}

	all, err := s.ListDonations(DonationFilter{StreamerID: &streamer.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	min := decimal.New(50, 0)
	big, err := s.ListDonations(DonationFilter{StreamerID: &streamer.ID, MinAmount: &min})
	require.NoError(t, err)
	assert.Len(t, big, 2)

	anon := true
	anonOnly, err := s.ListDonations(DonationFilter{StreamerID: &streamer.ID, Anonymous: &anon})
	require.NoError(t, err)
	require.Len(t, anonOnly, 1)
	assert.True(t, anonOnly[0].Amount.Equal(decimal.New(10, 0)))

	st := StatusCompleted
	none, err := s.ListDonations(DonationFilter{StreamerID: &streamer.ID, Status: &st})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListDonations(DonationFilter{StreamerID: &streamer.ID, Limit: 2, OrderDesc: true})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestDonationStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	for i, a := range []int64{100, 250} {
		d, err := s.CreateDonation(NewDonation{
			StreamerID: streamer.ID,
			Amount:     decimal.New(a, 0),
			Method:     MethodTBank,
		})
		require.NoError(t, err)
		require.NoError(t, s.SetPaymentDetails(d.ID, "stat-"+string(rune('a'+i)), ""))
		_, err = s.CompleteDonation(ctx, d.ID)
		require.NoError(t, err)
	}

	// Pending donations are excluded from the aggregates.
	_, err := s.CreateDonation(NewDonation{
		StreamerID: streamer.ID,
		Amount:     decimal.New(999, 0),
		Method:     MethodTBank,
	})
	require.NoError(t, err)

	stats, err := s.GetDonationStats(streamer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
	assert.True(t, stats.TotalAmount.Equal(decimal.New(350, 0)))
	assert.Equal(t, 2, stats.TodayCount)
	assert.True(t, stats.MonthAmount.Equal(decimal.New(350, 0)))
}

func TestDonationStatsBucketOnCompletionTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	// A pledge from two days ago whose payment settles today.
	d, err := s.CreateDonation(NewDonation{
		StreamerID: streamer.ID,
		Amount:     decimal.New(100, 0),
		Method:     MethodTBank,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetPaymentDetails(d.ID, "late-1", ""))

	twoDaysAgo := time.Now().AddDate(0, 0, -2).Unix()
	_, err = s.db.Exec(`UPDATE donations SET created_at = ? WHERE id = ?`, twoDaysAgo, d.ID)
	require.NoError(t, err)

	won, err := s.CompleteDonation(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, won)

	stats, err := s.GetDonationStats(streamer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TodayCount, "completion today counts toward today regardless of pledge date")
	assert.True(t, stats.TodayAmount.Equal(decimal.New(100, 0)))
}

func TestAlertSettingsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	_, err := s.GetAlertSettings(streamer.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	in := &AlertSettings{
		StreamerID:     streamer.ID,
		AlertsEnabled:  true,
		Tiers:          []byte(`[{"id":"t1","min_amount":"1"}]`),
		ShowAnonymous:  false,
		MinDisplayTime: 3,
		MaxDisplayTime: 12,
	}
	require.NoError(t, s.PutAlertSettings(in))

	got, err := s.GetAlertSettings(streamer.ID)
	require.NoError(t, err)
	assert.True(t, got.AlertsEnabled)
	assert.False(t, got.ShowAnonymous)
	assert.JSONEq(t, `[{"id":"t1","min_amount":"1"}]`, string(got.Tiers))

	// Upsert replaces
	in.AlertsEnabled = false
	in.Tiers = nil
	require.NoError(t, s.PutAlertSettings(in))

	got, err = s.GetAlertSettings(streamer.ID)
	require.NoError(t, err)
	assert.False(t, got.AlertsEnabled)
	assert.Empty(t, got.Tiers)
}

func TestSetTelegramChatID(t *testing.T) {
	s := newTestStorage(t)
	streamer := newTestStreamer(t, s)

	require.NoError(t, s.SetTelegramChatID(streamer.ID, 123456))

	got, err := s.GetStreamer(streamer.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TelegramChatID)
	assert.Equal(t, int64(123456), *got.TelegramChatID)

	assert.ErrorIs(t, s.SetTelegramChatID(9999, 1), ErrNotFound)
}

func TestCompleteDonationRollsBackOnIncrementFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT streamer_id, amount FROM donations`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"streamer_id", "amount"}).AddRow(1, 10000))
	mock.ExpectExec(`UPDATE donations SET status = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE streamers SET total_donated`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	won, err := s.CompleteDonation(context.Background(), 7)
	assert.Error(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}
