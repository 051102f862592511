package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/streamcash/server/internal/storage"
	"github.com/streamcash/server/internal/tonapi"
)

// TON accepts donations as on-chain transfers to the service wallet. There is
// no provider-side payment object: CreatePayment issues a unique transfer
// comment and CheckStatus scans recent incoming transfers for it. A transfer
// either shows up or it doesn't, so the adapter never reports failed.
type TON struct {
	client    *tonapi.Client
	walletRaw string
	// Friendly form used in the deeplink shown to donors.
	walletDisplay string
}

func NewTON(client *tonapi.Client, walletAddr string) *TON {
	raw := tonapi.NormalizeAddress(walletAddr)
	return &TON{
		client:        client,
		walletRaw:     raw,
		walletDisplay: tonapi.RawToFriendly(raw),
	}
}

// CreatePayment issues the transfer deeplink. The amount is denominated in
// TON for this method; the unique comment doubles as the external payment id.
func (t *TON) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	comment := "sc-" + shortHex()
	nano := req.Amount.Shift(9).IntPart()

	redirect := fmt.Sprintf("ton://transfer/%s?amount=%d&text=%s",
		t.walletDisplay, nano, url.QueryEscape(comment))

	return &Payment{
		ExternalID:  comment,
		RedirectURL: redirect,
		OrderID:     comment,
	}, nil
}

// CheckStatus scans recent service wallet events for an incoming transfer
// carrying the payment's comment and covering the pledged amount. An
// underpaid transfer does not settle the pledge; the donation stays pending.
func (t *TON) CheckStatus(ctx context.Context, externalID string, amount decimal.Decimal) (storage.Status, error) {
	events, err := t.client.GetEvents(ctx, t.walletRaw, 50)
	if err != nil {
		return "", fmt.Errorf("ton: %w", err)
	}

	pledged := amount.InexactFloat64()

	for _, ev := range events {
		for _, action := range ev.Actions {
			if action.Type != "TonTransfer" || action.TonTransfer == nil {
				continue
			}
			tt := action.TonTransfer
			if tonapi.NormalizeAddress(tt.Recipient.Address) != t.walletRaw {
				continue
			}
			if tt.Comment != externalID {
				continue
			}

			// Check if the transfer covers the pledge (with small tolerance)
			if tonapi.NanoToTON(tt.Amount)+0.000001 < pledged {
				continue
			}

			return storage.StatusCompleted, nil
		}
	}

	return storage.StatusPending, nil
}

func (t *TON) SupportsPolling() bool { return true }
