// Package poller reconciles pending donations against their payment providers.
// It is the safety net under the webhook path: a donation whose webhook was
// lost, delayed, or never sent still converges on the provider's truth within
// one poll interval.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/streamcash/server/internal/gateway"
	"github.com/streamcash/server/internal/ledger"
	"github.com/streamcash/server/internal/storage"
)

type Poller struct {
	store    *storage.Storage
	ledger   *ledger.Ledger
	gateways *gateway.Registry
	timeout  time.Duration
	log      *slog.Logger
}

func New(store *storage.Storage, ldg *ledger.Ledger, gws *gateway.Registry, timeout time.Duration, log *slog.Logger) *Poller {
	return &Poller{
		store:    store,
		ledger:   ldg,
		gateways: gws,
		timeout:  timeout,
		log:      log,
	}
}

// Start runs reconciliation cycles every interval until ctx is cancelled.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.log.Info("reconciliation poller started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle checks every pollable pending donation once. Per-donation failures
// are logged and skipped; the donation stays pending and is retried next cycle.
func (p *Poller) runCycle(ctx context.Context) {
	methods := p.gateways.PollableMethods()
	if len(methods) == 0 {
		return
	}

	pending, err := p.store.ListPendingPollable(methods)
	if err != nil {
		p.log.Error("list pending donations", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var checked, resolved int
	for i := range pending {
		d := &pending[i]
		if ctx.Err() != nil {
			return
		}

		moved, err := p.checkOne(ctx, d)
		if err != nil {
			p.log.Warn("status check failed",
				"donation_id", d.ID,
				"method", string(d.Method),
				"error", err,
			)
			continue
		}
		checked++
		if moved {
			resolved++
		}
	}

	if resolved > 0 {
		p.log.Info("reconciliation cycle", "pending", len(pending), "checked", checked, "resolved", resolved)
	} else {
		p.log.Debug("reconciliation cycle", "pending", len(pending), "checked", checked)
	}
}

func (p *Poller) checkOne(ctx context.Context, d *storage.Donation) (bool, error) {
	gw, err := p.gateways.Get(d.Method)
	if err != nil {
		return false, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := gw.CheckStatus(checkCtx, *d.PaymentID, d.Amount)
	if err != nil {
		return false, err
	}
	if status == storage.StatusPending {
		return false, nil
	}

	if err := p.ledger.Transition(ctx, d.ID, status); err != nil {
		return false, err
	}
	return true, nil
}
