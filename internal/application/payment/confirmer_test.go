package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shadowroute/vpnshop/internal/application/allocation"
	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/infrastructure/memory"
)

type eventSink struct {
	events []domoutbox.Event
}

func (s *eventSink) Publish(ctx context.Context, e domoutbox.Event) error {
	s.events = append(s.events, e)
	return nil
}

type confirmerFixture struct {
	confirmer *Confirmer
	ledger    *memory.PaymentRepository
	pool      *memory.InventoryRepository
	sink      *eventSink
	payment   *dompay.Payment
	clk       *clock.Manual
}

func newConfirmerFixture(t *testing.T) *confirmerFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pool := memory.NewInventoryRepository()
	if err := pool.Add(context.Background(), dominv.NewUnit("unit-1", "10.8.0.2", "Tokyo, Japan")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	unit, err := pool.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ledger := memory.NewPaymentRepository()
	p, err := dompay.New("pay-1", "user-1", "Tokyo, Japan", unit.ID, "tb1qaddr", decimal.RequireFromString("0.002"), 2, clk.Now())
	if err != nil {
		t.Fatalf("new payment: %v", err)
	}
	if err := ledger.Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	sink := &eventSink{}
	engine := allocation.NewEngine(pool, clk, sink, nil)
	return &confirmerFixture{
		confirmer: NewConfirmer(ledger, engine, clk, sink, nil),
		ledger:    ledger,
		pool:      pool,
		sink:      sink,
		payment:   p,
		clk:       clk,
	}
}

func TestConfirmer_ConfirmAllocatesUnitAndPublishes(t *testing.T) {
	f := newConfirmerFixture(t)
	observed := decimal.RequireFromString("0.0021")

	if err := f.confirmer.Confirm(context.Background(), f.payment, observed, "txhash-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	p, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != dompay.StatusConfirmed || p.TxHash != "txhash-1" || !p.AmountObserved.Equal(observed) {
		t.Fatalf("unexpected payment: %+v", p)
	}

	unit, err := f.pool.Get(context.Background(), "unit-1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != dominv.StatusAllocated || unit.HolderID != "user-1" {
		t.Fatalf("unexpected unit: %+v", unit)
	}
	wantExpiry := f.clk.Now().Add(2 * 30 * 24 * time.Hour)
	if unit.ExpiresAt == nil || !unit.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected lease until %v, got %v", wantExpiry, unit.ExpiresAt)
	}

	if len(f.sink.events) != 1 || f.sink.events[0].EventName() != "payment.confirmed" {
		t.Fatalf("expected one payment.confirmed event, got %+v", f.sink.events)
	}
}

func TestConfirmer_ConfirmIsIdempotent(t *testing.T) {
	f := newConfirmerFixture(t)

	if err := f.confirmer.Confirm(context.Background(), f.payment, decimal.RequireFromString("0.002"), "txhash-1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := f.confirmer.Confirm(context.Background(), f.payment, decimal.RequireFromString("0.005"), "txhash-2"); err != nil {
		t.Fatalf("second confirm should be a no-op, got %v", err)
	}

	p, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.TxHash != "txhash-1" {
		t.Fatalf("second confirm must not overwrite settlement, got %s", p.TxHash)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.sink.events))
	}
}

func TestConfirmer_ExpireReleasesUnit(t *testing.T) {
	f := newConfirmerFixture(t)

	if err := f.confirmer.Expire(context.Background(), f.payment); err != nil {
		t.Fatalf("expire: %v", err)
	}

	p, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != dompay.StatusExpired {
		t.Fatalf("expected expired, got %s", p.Status)
	}

	unit, err := f.pool.Get(context.Background(), "unit-1")
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != dominv.StatusFree {
		t.Fatalf("expected freed unit, got %s", unit.Status)
	}

	if len(f.sink.events) != 1 || f.sink.events[0].EventName() != "payment.expired" {
		t.Fatalf("expected one payment.expired event, got %+v", f.sink.events)
	}

	// Expiring again is a no-op.
	if err := f.confirmer.Expire(context.Background(), f.payment); err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("expected no extra events, got %d", len(f.sink.events))
	}
}

func TestConfirmer_CommitFailureSurfacesIntegrityError(t *testing.T) {
	f := newConfirmerFixture(t)

	// Force the disagreement: the unit is freed behind the ledger's back.
	if err := f.pool.Release(context.Background(), "unit-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	err := f.confirmer.Confirm(context.Background(), f.payment, decimal.RequireFromString("0.002"), "txhash-1")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}

	// The ledger transition is not rolled back.
	p, getErr := f.ledger.Get(context.Background(), "pay-1")
	if getErr != nil {
		t.Fatalf("get payment: %v", getErr)
	}
	if p.Status != dompay.StatusConfirmed {
		t.Fatalf("expected confirmed ledger entry, got %s", p.Status)
	}
}
