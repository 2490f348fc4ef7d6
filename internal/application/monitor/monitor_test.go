package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shadowroute/vpnshop/internal/application/allocation"
	"github.com/shadowroute/vpnshop/internal/application/payment"
	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoracle "github.com/shadowroute/vpnshop/internal/domain/oracle"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/infrastructure/memory"
	infraoracle "github.com/shadowroute/vpnshop/internal/infrastructure/oracle"
)

type monitorFixture struct {
	monitor *Monitor
	ledger  *memory.PaymentRepository
	pool    *memory.InventoryRepository
	engine  *allocation.Engine
	oracle  *infraoracle.Fake
	clk     *clock.Manual
	units   int
}

func newMonitorFixture(t *testing.T, opts ...Option) *monitorFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pool := memory.NewInventoryRepository()
	ledger := memory.NewPaymentRepository()
	fake := infraoracle.NewFake()

	engine := allocation.NewEngine(pool, clk, nil, nil)
	confirmer := payment.NewConfirmer(ledger, engine, clk, nil, nil)
	mon := New(ledger, fake, confirmer, engine, clk, nil, opts...)
	return &monitorFixture{monitor: mon, ledger: ledger, pool: pool, engine: engine, oracle: fake, clk: clk}
}

// openPayment seeds a unit, reserves it and opens a pending payment for it.
func (f *monitorFixture) openPayment(t *testing.T, id, amount string) *dompay.Payment {
	t.Helper()
	f.units++
	unit := dominv.NewUnit("unit-"+id, fmt.Sprintf("10.8.0.%d", f.units+1), "Tokyo, Japan")
	if err := f.pool.Add(context.Background(), unit); err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	reserved, err := f.pool.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	p, err := dompay.New(id, "user-1", "Tokyo, Japan", reserved.ID, "tb1q"+id, decimal.RequireFromString(amount), 1, f.clk.Now())
	if err != nil {
		t.Fatalf("new payment: %v", err)
	}
	if err := f.ledger.Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func (f *monitorFixture) status(t *testing.T, id string) dompay.Status {
	t.Helper()
	p, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return p.Status
}

func TestMonitor_ConfirmsWhenBalanceCoversAmount(t *testing.T) {
	f := newMonitorFixture(t)
	p := f.openPayment(t, "pay-1", "0.002")

	f.oracle.SetBalance(p.Address, decimal.RequireFromString("0.002"))
	f.oracle.AddTransaction(p.Address, domoracle.TxDetails{TxID: "txhash-1", Amount: decimal.RequireFromString("0.002")})

	f.monitor.RunTick(context.Background())

	if got := f.status(t, "pay-1"); got != dompay.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got)
	}
	confirmed, _ := f.ledger.Get(context.Background(), "pay-1")
	if confirmed.TxHash != "txhash-1" {
		t.Fatalf("expected settlement ref txhash-1, got %q", confirmed.TxHash)
	}
	unit, err := f.pool.Get(context.Background(), confirmed.UnitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != dominv.StatusAllocated {
		t.Fatalf("expected allocated unit, got %s", unit.Status)
	}
}

func TestMonitor_BalanceJustBelowAmountStaysPending(t *testing.T) {
	f := newMonitorFixture(t)
	p := f.openPayment(t, "pay-1", "0.002")

	f.oracle.SetBalance(p.Address, decimal.RequireFromString("0.001999"))

	f.monitor.RunTick(context.Background())

	if got := f.status(t, "pay-1"); got != dompay.StatusPending {
		t.Fatalf("expected pending at 0.001999 of 0.002, got %s", got)
	}
}

func TestMonitor_OverpaymentConfirms(t *testing.T) {
	f := newMonitorFixture(t)
	p := f.openPayment(t, "pay-1", "0.002")

	f.oracle.SetBalance(p.Address, decimal.RequireFromString("0.01"))
	f.oracle.AddTransaction(p.Address, domoracle.TxDetails{TxID: "txhash-1", Amount: decimal.RequireFromString("0.01")})

	f.monitor.RunTick(context.Background())

	confirmed, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if confirmed.Status != dompay.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if !confirmed.AmountObserved.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected full observed balance recorded, got %s", confirmed.AmountObserved)
	}
}

func TestMonitor_ExpiresPaymentsPastWindow(t *testing.T) {
	f := newMonitorFixture(t, WithPendingWindow(24*time.Hour))
	p := f.openPayment(t, "pay-1", "0.002")

	// Exactly at the window boundary the payment is still payable.
	f.clk.Advance(24 * time.Hour)
	f.monitor.RunTick(context.Background())
	if got := f.status(t, "pay-1"); got != dompay.StatusPending {
		t.Fatalf("expected pending at the boundary, got %s", got)
	}

	f.clk.Advance(time.Second)
	f.monitor.RunTick(context.Background())
	if got := f.status(t, "pay-1"); got != dompay.StatusExpired {
		t.Fatalf("expected expired past the window, got %s", got)
	}

	unit, err := f.pool.Get(context.Background(), p.UnitID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if unit.Status != dominv.StatusFree {
		t.Fatalf("expected freed unit after expiry, got %s", unit.Status)
	}
}

func TestMonitor_OracleFailureIsIsolatedPerPayment(t *testing.T) {
	f := newMonitorFixture(t)
	broken := f.openPayment(t, "pay-1", "0.002")
	healthy := f.openPayment(t, "pay-2", "0.001")

	f.oracle.FailAddress(broken.Address, domoracle.ErrUnavailable)
	f.oracle.SetBalance(healthy.Address, decimal.RequireFromString("0.001"))
	f.oracle.AddTransaction(healthy.Address, domoracle.TxDetails{TxID: "txhash-2", Amount: decimal.RequireFromString("0.001")})

	f.monitor.RunTick(context.Background())

	if got := f.status(t, "pay-1"); got != dompay.StatusPending {
		t.Fatalf("failing payment should stay pending, got %s", got)
	}
	if got := f.status(t, "pay-2"); got != dompay.StatusConfirmed {
		t.Fatalf("healthy payment should confirm despite the other's failure, got %s", got)
	}
}

func TestMonitor_TxListingFailureDefersConfirmation(t *testing.T) {
	f := newMonitorFixture(t)
	p := f.openPayment(t, "pay-1", "0.002")

	// Balance is visible but the tx listing endpoint is down. Settlement
	// evidence is unknown, so the payment must wait for the next tick.
	f.oracle.SetBalance(p.Address, decimal.RequireFromString("0.002"))
	f.oracle.AddTransaction(p.Address, domoracle.TxDetails{TxID: "txhash-1", Amount: decimal.RequireFromString("0.002")})
	f.oracle.FailTransactions(p.Address, domoracle.ErrUnavailable)

	f.monitor.RunTick(context.Background())
	if got := f.status(t, "pay-1"); got != dompay.StatusPending {
		t.Fatalf("expected pending while the listing is down, got %s", got)
	}

	f.oracle.FailTransactions(p.Address, nil)
	f.monitor.RunTick(context.Background())

	confirmed, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if confirmed.Status != dompay.StatusConfirmed {
		t.Fatalf("expected confirmed after the listing recovered, got %s", confirmed.Status)
	}
	if confirmed.TxHash != "txhash-1" {
		t.Fatalf("expected settlement ref txhash-1, got %q", confirmed.TxHash)
	}
}

func TestMonitor_NoCoveringTransactionStaysPending(t *testing.T) {
	f := newMonitorFixture(t)
	p := f.openPayment(t, "pay-1", "0.002")

	// The balance covers the amount but only a smaller transaction is listed
	// so far; the payment waits for one that covers the full amount.
	f.oracle.SetBalance(p.Address, decimal.RequireFromString("0.002"))
	f.oracle.AddTransaction(p.Address, domoracle.TxDetails{TxID: "txhash-small", Amount: decimal.RequireFromString("0.001")})

	f.monitor.RunTick(context.Background())
	if got := f.status(t, "pay-1"); got != dompay.StatusPending {
		t.Fatalf("expected pending without a covering transaction, got %s", got)
	}

	f.oracle.AddTransaction(p.Address, domoracle.TxDetails{TxID: "txhash-full", Amount: decimal.RequireFromString("0.002")})
	f.monitor.RunTick(context.Background())

	confirmed, err := f.ledger.Get(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if confirmed.Status != dompay.StatusConfirmed {
		t.Fatalf("expected confirmed once a covering transaction appears, got %s", confirmed.Status)
	}
	if confirmed.TxHash != "txhash-full" {
		t.Fatalf("expected settlement ref txhash-full, got %q", confirmed.TxHash)
	}
}

func TestMonitor_SweepsExpiredLeasesEachTick(t *testing.T) {
	f := newMonitorFixture(t)

	unit := dominv.NewUnit("unit-lease", "10.8.9.2", "Tokyo, Japan")
	if err := f.pool.Add(context.Background(), unit); err != nil {
		t.Fatalf("seed: %v", err)
	}
	reserved, err := f.engine.Reserve(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.engine.Commit(context.Background(), reserved.ID, "user-1", 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	f.clk.Advance(31 * 24 * time.Hour)
	f.monitor.RunTick(context.Background())

	got, err := f.pool.Get(context.Background(), reserved.ID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if got.Status != dominv.StatusFree {
		t.Fatalf("expected lease swept, got %s", got.Status)
	}
}

func TestMonitor_TicksNeverOverlap(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPayment(t, "pay-1", "0.002")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.oracle.BalanceHook = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan struct{})
	go func() {
		f.monitor.RunTick(context.Background())
		close(done)
	}()

	<-entered
	// The first tick is parked inside the oracle call; this one must skip.
	f.monitor.RunTick(context.Background())
	select {
	case <-done:
		t.Fatalf("first tick finished early, test is not exercising overlap")
	default:
	}

	close(release)
	<-done
}
