package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the donation lifecycle state. Completed and Failed are terminal;
// the only multi-hop path is Pending -> Completed -> Refunded.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether s permits no further transition other than the
// explicit refund path out of Completed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// Method is the payment method tag routed to a gateway adapter.
type Method string

const (
	MethodTBank Method = "tbank"
	MethodCard  Method = "card"
	MethodTON   Method = "ton"
	MethodTest  Method = "test"
)

// Donation is a single monetary pledge progressing through the status lifecycle.
type Donation struct {
	ID          int64           `json:"id"`
	StreamerID  int64           `json:"streamer_id"`
	DonorName   *string         `json:"donor_name"`
	Amount      decimal.Decimal `json:"amount"`
	Message     string          `json:"message"`
	Method      Method          `json:"payment_method"`
	PaymentID   *string         `json:"payment_id"`
	PaymentURL  string          `json:"payment_url"`
	Status      Status          `json:"status"`
	IsAnonymous bool            `json:"is_anonymous"`
	IsPublic    bool            `json:"is_public"`
	AlertShown  bool            `json:"is_alert_shown"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Streamer is the donation recipient aggregate. TotalDonated equals the sum of
// amounts of all completed donations and is incremented exactly once per donation.
type Streamer struct {
	ID             int64           `json:"id"`
	DisplayName    string          `json:"display_name"`
	DonationURL    string          `json:"donation_url"`
	DonationGoal   decimal.Decimal `json:"donation_goal"`
	TotalDonated   decimal.Decimal `json:"total_donated"`
	MinAmount      decimal.Decimal `json:"min_donation_amount"`
	MaxAmount      decimal.Decimal `json:"max_donation_amount"`
	TelegramChatID *int64          `json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AlertSettings holds the streamer's overlay configuration. Tiers is the raw
// JSON tier list as stored; parsing and validation live in the tiers package.
type AlertSettings struct {
	StreamerID     int64  `json:"streamer_id"`
	AlertsEnabled  bool   `json:"alerts_enabled"`
	Tiers          []byte `json:"-"`
	ShowAnonymous  bool   `json:"show_anonymous"`
	MinDisplayTime int    `json:"min_display_time"`
	MaxDisplayTime int    `json:"max_display_time"`
}

// NewDonation is the payload for creating a pending donation.
type NewDonation struct {
	StreamerID  int64
	DonorName   *string
	Amount      decimal.Decimal
	Message     string
	Method      Method
	IsAnonymous bool
	IsPublic    bool
}

// DonationFilter narrows donation listings.
type DonationFilter struct {
	StreamerID *int64
	Status     *Status
	MinAmount  *decimal.Decimal
	MaxAmount  *decimal.Decimal
	Anonymous  *bool
	Limit      int
	Offset     int
	OrderDesc  bool
}

// DonationStats aggregates completed donations for a streamer.
type DonationStats struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalCount  int             `json:"total_count"`
	TodayAmount decimal.Decimal `json:"today_amount"`
	TodayCount  int             `json:"today_count"`
	MonthAmount decimal.Decimal `json:"this_month_amount"`
	MonthCount  int             `json:"this_month_count"`
}
