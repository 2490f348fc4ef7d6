package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shadowroute/vpnshop/internal/application/allocation"
	"github.com/shadowroute/vpnshop/internal/clock"
	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/observability"
)

// ErrIntegrity marks a payment that settled in the ledger but whose unit
// could not be moved to allocated. The ledger is the source of truth, so the
// transition is not rolled back; the condition is surfaced for an operator.
var ErrIntegrity = errors.New("payment: ledger and inventory disagree")

// Confirmer applies the terminal transitions the monitor decides on. It is
// the only writer of confirmed/expired states, and both operations are
// idempotent: a payment already out of pending is left untouched.
type Confirmer struct {
	ledger    dompay.Repository
	engine    *allocation.Engine
	clk       clock.Clock
	publisher domoutbox.Publisher

	log       observability.Logger
	integrity observability.Counter
}

func NewConfirmer(
	ledger dompay.Repository,
	engine *allocation.Engine,
	clk clock.Clock,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *Confirmer {
	baseLog := observability.NopLogger()
	metrics := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metrics = tel.Metrics()
	}
	return &Confirmer{
		ledger:    ledger,
		engine:    engine,
		clk:       clk,
		publisher: publisher,
		log:       baseLog.With(observability.F("component", "payment_confirmer")),
		integrity: metrics.Counter(observability.MIntegrityViolations),
	}
}

// Confirm settles the payment and commits its reserved unit to the payer.
func (c *Confirmer) Confirm(ctx context.Context, p *dompay.Payment, observed decimal.Decimal, txHash string) error {
	now := c.clk.Now()
	updated, err := c.ledger.Transition(ctx, p.ID, dompay.StatusConfirmed, observed, txHash, now)
	if errors.Is(err, dompay.ErrInvalidTransition) {
		c.log.Debug("confirm_skipped_terminal", observability.F("payment_id", p.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("payment: confirm %s: %w", p.ID, err)
	}

	if _, err := c.engine.Commit(ctx, updated.UnitID, updated.UserID, updated.DurationMonths); err != nil {
		c.integrity.Add(1)
		c.log.Error("allocation_commit_failed_after_confirm",
			observability.F("payment_id", updated.ID),
			observability.F("unit_id", updated.UnitID),
			observability.F("user_id", updated.UserID),
			observability.F("error", err.Error()),
		)
		return fmt.Errorf("%w: payment %s unit %s: %v", ErrIntegrity, updated.ID, updated.UnitID, err)
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, dompay.NewConfirmedEvent(updated, now)); err != nil {
			c.log.Warn("confirmed_event_publish_failed",
				observability.F("payment_id", updated.ID),
				observability.F("error", err.Error()),
			)
		}
	}

	c.log.Info("payment_confirmed",
		observability.F("payment_id", updated.ID),
		observability.F("unit_id", updated.UnitID),
		observability.F("amount_observed", observed.String()),
		observability.F("tx_hash", txHash),
	)
	return nil
}

// Expire voids the payment and returns its reserved unit to the free pool.
func (c *Confirmer) Expire(ctx context.Context, p *dompay.Payment) error {
	now := c.clk.Now()
	updated, err := c.ledger.Transition(ctx, p.ID, dompay.StatusExpired, decimal.Zero, "", now)
	if errors.Is(err, dompay.ErrInvalidTransition) {
		c.log.Debug("expire_skipped_terminal", observability.F("payment_id", p.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("payment: expire %s: %w", p.ID, err)
	}

	if err := c.engine.Release(ctx, updated.UnitID); err != nil {
		c.integrity.Add(1)
		c.log.Error("release_failed_after_expire",
			observability.F("payment_id", updated.ID),
			observability.F("unit_id", updated.UnitID),
			observability.F("error", err.Error()),
		)
		return fmt.Errorf("%w: payment %s unit %s: %v", ErrIntegrity, updated.ID, updated.UnitID, err)
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, dompay.NewExpiredEvent(updated, now)); err != nil {
			c.log.Warn("expired_event_publish_failed",
				observability.F("payment_id", updated.ID),
				observability.F("error", err.Error()),
			)
		}
	}

	c.log.Info("payment_expired",
		observability.F("payment_id", updated.ID),
		observability.F("unit_id", updated.UnitID),
	)
	return nil
}
