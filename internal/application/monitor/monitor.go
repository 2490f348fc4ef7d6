package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadowroute/vpnshop/internal/application/allocation"
	"github.com/shadowroute/vpnshop/internal/application/payment"
	"github.com/shadowroute/vpnshop/internal/clock"
	domoracle "github.com/shadowroute/vpnshop/internal/domain/oracle"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/observability"
)

const (
	defaultInterval      = 30 * time.Second
	defaultPendingWindow = 24 * time.Hour
	defaultOracleTimeout = 10 * time.Second
)

// Monitor periodically settles the pending ledger against the chain. Each
// tick first sweeps expired leases back to the pool, then walks every pending
// payment: too old means expired, a sufficient address balance means
// confirmed, anything else stays pending. One payment's oracle failure never
// blocks the rest of the tick.
type Monitor struct {
	ledger    dompay.Repository
	oracle    domoracle.Client
	confirmer *payment.Confirmer
	engine    *allocation.Engine
	clk       clock.Clock

	interval      time.Duration
	pendingWindow time.Duration
	oracleTimeout time.Duration

	log          observability.Logger
	tickDuration observability.Histogram
	checked      observability.Counter

	ticking   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithPendingWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pendingWindow = d
		}
	}
}

func WithOracleTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.oracleTimeout = d
		}
	}
}

func New(
	ledger dompay.Repository,
	oracleClient domoracle.Client,
	confirmer *payment.Confirmer,
	engine *allocation.Engine,
	clk clock.Clock,
	tel observability.Observability,
	opts ...Option,
) *Monitor {
	baseLog := observability.NopLogger()
	metrics := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metrics = tel.Metrics()
	}
	m := &Monitor{
		ledger:        ledger,
		oracle:        oracleClient,
		confirmer:     confirmer,
		engine:        engine,
		clk:           clk,
		interval:      defaultInterval,
		pendingWindow: defaultPendingWindow,
		oracleTimeout: defaultOracleTimeout,
		log:           baseLog.With(observability.F("component", "payment_monitor")),
		tickDuration:  metrics.Histogram(observability.MMonitorTickDuration),
		checked:       metrics.Counter(observability.MMonitorPaymentsChecked),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the tick loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.loop(ctx)
	})
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.RunTick(ctx)
		}
	}
}

// RunTick executes a single monitor pass. Ticks never overlap: if the
// previous one is still running the new one is skipped, not queued.
func (m *Monitor) RunTick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		m.log.Warn("tick_skipped_previous_still_running")
		return
	}
	defer m.ticking.Store(false)

	start := m.clk.Now()
	defer func() {
		m.tickDuration.Observe(m.clk.Now().Sub(start).Seconds())
	}()

	if expired, err := m.engine.SweepExpiredLeases(ctx); err != nil {
		m.log.Error("lease_sweep_failed", observability.F("error", err.Error()))
	} else if len(expired) > 0 {
		m.log.Info("leases_swept", observability.F("count", len(expired)))
	}

	pending, err := m.ledger.ListPending(ctx)
	if err != nil {
		m.log.Error("list_pending_failed", observability.F("error", err.Error()))
		return
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		m.checkPayment(ctx, p)
		m.checked.Add(1)
	}
}

func (m *Monitor) checkPayment(ctx context.Context, p *dompay.Payment) {
	logger := m.log.With(
		observability.F("payment_id", p.ID),
		observability.F("address", p.Address),
	)

	if p.Age(m.clk.Now()) > m.pendingWindow {
		if err := m.confirmer.Expire(ctx, p); err != nil {
			logger.Error("expire_failed", observability.F("error", err.Error()))
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.oracleTimeout)
	defer cancel()

	balance, err := m.oracle.AddressBalance(ctx, p.Address)
	if err != nil {
		logger.Warn("balance_check_failed", observability.F("error", err.Error()))
		return
	}
	if balance.LessThan(p.AmountBTC) {
		return
	}

	txHash, ok := m.settlementRef(ctx, p, logger)
	if !ok {
		return
	}
	if err := m.confirmer.Confirm(ctx, p, balance, txHash); err != nil {
		logger.Error("confirm_failed", observability.F("error", err.Error()))
	}
}

// settlementRef finds the first transaction whose value covers the expected
// amount. A sufficient balance alone is not settlement evidence: until a
// covering transaction is listed (or while the listing is unavailable) the
// payment stays pending and the next tick retries.
func (m *Monitor) settlementRef(ctx context.Context, p *dompay.Payment, logger observability.Logger) (string, bool) {
	txids, err := m.oracle.AddressTransactions(ctx, p.Address)
	if err != nil {
		logger.Warn("tx_listing_failed", observability.F("error", err.Error()))
		return "", false
	}
	for _, txid := range txids {
		details, err := m.oracle.TransactionDetails(ctx, txid, p.Address)
		if err != nil {
			logger.Warn("tx_details_failed",
				observability.F("txid", txid),
				observability.F("error", err.Error()),
			)
			continue
		}
		if details.Amount.GreaterThanOrEqual(p.AmountBTC) {
			return details.TxID, true
		}
	}
	logger.Debug("no_covering_transaction")
	return "", false
}
