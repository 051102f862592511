package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Storage handles all database operations. Monetary amounts are persisted as
// integer minor units (kopecks) so arithmetic in SQL stays exact.
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Init creates the schema on a wrapped connection.
func (s *Storage) Init() error {
	return s.init()
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS streamers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_name TEXT NOT NULL,
			donation_url TEXT NOT NULL UNIQUE,
			donation_goal INTEGER NOT NULL DEFAULT 0,
			total_donated INTEGER NOT NULL DEFAULT 0,
			min_amount INTEGER NOT NULL DEFAULT 1000,
			max_amount INTEGER NOT NULL DEFAULT 1000000,
			telegram_chat_id INTEGER,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS donations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			streamer_id INTEGER NOT NULL,
			donor_name TEXT,
			amount INTEGER NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			payment_method TEXT NOT NULL,
			payment_id TEXT UNIQUE,
			payment_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			is_anonymous INTEGER NOT NULL DEFAULT 0,
			is_public INTEGER NOT NULL DEFAULT 1,
			is_alert_shown INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_streamer_id ON donations(streamer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_status ON donations(status)`,

		`CREATE TABLE IF NOT EXISTS alert_settings (
			streamer_id INTEGER PRIMARY KEY,
			alerts_enabled INTEGER NOT NULL DEFAULT 1,
			tiers TEXT,
			show_anonymous INTEGER NOT NULL DEFAULT 1,
			min_display_time INTEGER NOT NULL DEFAULT 2,
			max_display_time INTEGER NOT NULL DEFAULT 15
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(2).IntPart()
}

func fromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// --- Streamers ---

// CreateStreamer registers a new recipient.
func (s *Storage) CreateStreamer(displayName, donationURL string, minAmount, maxAmount decimal.Decimal) (*Streamer, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO streamers (display_name, donation_url, min_amount, max_amount, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		displayName, donationURL, toMinor(minAmount), toMinor(maxAmount), now.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	id, _ := res.LastInsertId()
	return &Streamer{
		ID:           id,
		DisplayName:  displayName,
		DonationURL:  donationURL,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		TotalDonated: decimal.Zero,
		DonationGoal: decimal.Zero,
		CreatedAt:    now,
	}, nil
}

const streamerCols = `id, display_name, donation_url, donation_goal, total_donated, min_amount, max_amount, telegram_chat_id, created_at`

func scanStreamer(row *sql.Row) (*Streamer, error) {
	var st Streamer
	var goal, total, min, max, createdAt int64
	var chatID sql.NullInt64

	err := row.Scan(&st.ID, &st.DisplayName, &st.DonationURL, &goal, &total, &min, &max, &chatID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st.DonationGoal = fromMinor(goal)
	st.TotalDonated = fromMinor(total)
	st.MinAmount = fromMinor(min)
	st.MaxAmount = fromMinor(max)
	st.CreatedAt = time.Unix(createdAt, 0)
	if chatID.Valid {
		st.TelegramChatID = &chatID.Int64
	}
	return &st, nil
}

// GetStreamer returns a streamer by ID
func (s *Storage) GetStreamer(id int64) (*Streamer, error) {
	return scanStreamer(s.db.QueryRow(`SELECT `+streamerCols+` FROM streamers WHERE id = ?`, id))
}

// GetStreamerByURL returns a streamer by its public donation URL slug
func (s *Storage) GetStreamerByURL(donationURL string) (*Streamer, error) {
	return scanStreamer(s.db.QueryRow(`SELECT `+streamerCols+` FROM streamers WHERE donation_url = ?`, donationURL))
}

// SetTelegramChatID links a streamer to a Telegram chat for push notifications
func (s *Storage) SetTelegramChatID(streamerID, chatID int64) error {
	res, err := s.db.Exec(`UPDATE streamers SET telegram_chat_id = ? WHERE id = ?`, chatID, streamerID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Donations ---

// CreateDonation inserts a new donation. Status is always forced to pending
// regardless of what the caller intends; transitions go through the ledger.
func (s *Storage) CreateDonation(in NewDonation) (*Donation, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO donations (streamer_id, donor_name, amount, message, payment_method, is_anonymous, is_public, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		in.StreamerID, in.DonorName, toMinor(in.Amount), in.Message, string(in.Method),
		in.IsAnonymous, in.IsPublic, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, err
	}

	id, _ := res.LastInsertId()
	return &Donation{
		ID:          id,
		StreamerID:  in.StreamerID,
		DonorName:   in.DonorName,
		Amount:      in.Amount,
		Message:     in.Message,
		Method:      in.Method,
		Status:      StatusPending,
		IsAnonymous: in.IsAnonymous,
		IsPublic:    in.IsPublic,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const donationCols = `id, streamer_id, donor_name, amount, message, payment_method, payment_id, payment_url, status, is_anonymous, is_public, is_alert_shown, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDonation(row rowScanner) (*Donation, error) {
	var d Donation
	var donorName, paymentID sql.NullString
	var amount, createdAt, updatedAt int64
	var method, status string

	err := row.Scan(&d.ID, &d.StreamerID, &donorName, &amount, &d.Message, &method, &paymentID,
		&d.PaymentURL, &status, &d.IsAnonymous, &d.IsPublic, &d.AlertShown, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Amount = fromMinor(amount)
	d.Method = Method(method)
	d.Status = Status(status)
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	if donorName.Valid {
		d.DonorName = &donorName.String
	}
	if paymentID.Valid {
		d.PaymentID = &paymentID.String
	}
	return &d, nil
}

// GetDonation returns a donation by ID
func (s *Storage) GetDonation(id int64) (*Donation, error) {
	return scanDonation(s.db.QueryRow(`SELECT `+donationCols+` FROM donations WHERE id = ?`, id))
}

// GetDonationByPaymentID returns a donation by its external payment identifier
func (s *Storage) GetDonationByPaymentID(paymentID string) (*Donation, error) {
	return scanDonation(s.db.QueryRow(`SELECT `+donationCols+` FROM donations WHERE payment_id = ?`, paymentID))
}

// SetPaymentDetails records the gateway-assigned external id and redirect URL
func (s *Storage) SetPaymentDetails(id int64, paymentID, paymentURL string) error {
	res, err := s.db.Exec(
		`UPDATE donations SET payment_id = ?, payment_url = ?, updated_at = ? WHERE id = ?`,
		paymentID, paymentURL, time.Now().Unix(), id,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteDonation attempts the pending -> completed transition and, if it wins,
// increments the streamer's running total in the same transaction. Returns true
// only for the caller that actually performed the transition, so the increment
// fires exactly once even when webhook and poller race.
func (s *Storage) CompleteDonation(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var streamerID, amount int64
	err = tx.QueryRowContext(ctx, `SELECT streamer_id, amount FROM donations WHERE id = ?`, id).
		Scan(&streamerID, &amount)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// A donation with no external payment identifier can never reach completed.
	res, err := tx.ExecContext(ctx,
		`UPDATE donations SET status = 'completed', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND payment_id IS NOT NULL`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE streamers SET total_donated = total_donated + ? WHERE id = ?`,
		amount, streamerID,
	); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// FailDonation attempts the pending -> failed transition. Returns true if this
// call performed it; false if the donation was already terminal.
func (s *Storage) FailDonation(ctx context.Context, id int64) (bool, error) {
	return s.casStatus(ctx, id, StatusPending, StatusFailed)
}

// RefundDonation attempts the completed -> refunded transition. The running
// total is monotonic and is not decremented.
func (s *Storage) RefundDonation(ctx context.Context, id int64) (bool, error) {
	return s.casStatus(ctx, id, StatusCompleted, StatusRefunded)
}

func (s *Storage) casStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE donations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().Unix(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkAlertShown flags a donation after its overlay alert has been dispatched
func (s *Storage) MarkAlertShown(id int64) error {
	_, err := s.db.Exec(`UPDATE donations SET is_alert_shown = 1 WHERE id = ?`, id)
	return err
}

// ListPendingPollable returns pending donations whose payment method supports
// polling and which already carry an external payment id.
func (s *Storage) ListPendingPollable(methods []Method) ([]Donation, error) {
	if len(methods) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(methods))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(methods))
	for _, m := range methods {
		args = append(args, string(m))
	}

	rows, err := s.db.Query(
		`SELECT `+donationCols+` FROM donations
		 WHERE status = 'pending' AND payment_id IS NOT NULL AND payment_method IN (`+placeholders+`)
		 ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDonations(rows)
}

// ListDonations returns donations matching the filter
func (s *Storage) ListDonations(f DonationFilter) ([]Donation, error) {
	query := `SELECT ` + donationCols + ` FROM donations WHERE 1=1`
	var args []interface{}

	if f.StreamerID != nil {
		query += ` AND streamer_id = ?`
		args = append(args, *f.StreamerID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.MinAmount != nil {
		query += ` AND amount >= ?`
		args = append(args, toMinor(*f.MinAmount))
	}
	if f.MaxAmount != nil {
		query += ` AND amount <= ?`
		args = append(args, toMinor(*f.MaxAmount))
	}
	if f.Anonymous != nil {
		query += ` AND is_anonymous = ?`
		args = append(args, *f.Anonymous)
	}

	if f.OrderDesc {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at, id`
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDonations(rows)
}

func collectDonations(rows *sql.Rows) ([]Donation, error) {
	var out []Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDonationStats aggregates completed donations for a streamer. The
// today/month buckets key on updated_at, which for a completed donation is
// the completion time.
func (s *Storage) GetDonationStats(streamerID int64) (*DonationStats, error) {
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Unix()

	var stats DonationStats
	var total, today, month int64

	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0), COUNT(*),
		        COALESCE(SUM(CASE WHEN updated_at >= ? THEN amount ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN updated_at >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN updated_at >= ? THEN amount ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN updated_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM donations WHERE streamer_id = ? AND status = 'completed'`,
		dayStart, dayStart, monthStart, monthStart, streamerID,
	).Scan(&total, &stats.TotalCount, &today, &stats.TodayCount, &month, &stats.MonthCount)
	if err != nil {
		return nil, err
	}

	stats.TotalAmount = fromMinor(total)
	stats.TodayAmount = fromMinor(today)
	stats.MonthAmount = fromMinor(month)
	return &stats, nil
}

// --- Alert settings ---

// GetAlertSettings returns the streamer's alert configuration, or ErrNotFound
// if none has been saved yet.
func (s *Storage) GetAlertSettings(streamerID int64) (*AlertSettings, error) {
	var a AlertSettings
	var tiers sql.NullString

	err := s.db.QueryRow(
		`SELECT streamer_id, alerts_enabled, tiers, show_anonymous, min_display_time, max_display_time
		 FROM alert_settings WHERE streamer_id = ?`,
		streamerID,
	).Scan(&a.StreamerID, &a.AlertsEnabled, &tiers, &a.ShowAnonymous, &a.MinDisplayTime, &a.MaxDisplayTime)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if tiers.Valid {
		a.Tiers = []byte(tiers.String)
	}
	return &a, nil
}

// PutAlertSettings inserts or replaces the streamer's alert configuration
func (s *Storage) PutAlertSettings(a *AlertSettings) error {
	var tiers interface{}
	if len(a.Tiers) > 0 {
		tiers = string(a.Tiers)
	}

	_, err := s.db.Exec(
		`INSERT INTO alert_settings (streamer_id, alerts_enabled, tiers, show_anonymous, min_display_time, max_display_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(streamer_id) DO UPDATE SET
			alerts_enabled = excluded.alerts_enabled,
			tiers = excluded.tiers,
			show_anonymous = excluded.show_anonymous,
			min_display_time = excluded.min_display_time,
			max_display_time = excluded.max_display_time`,
		a.StreamerID, a.AlertsEnabled, tiers, a.ShowAnonymous, a.MinDisplayTime, a.MaxDisplayTime,
	)
	return err
}
