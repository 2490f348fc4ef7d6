package payment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shadowroute/vpnshop/internal/application/allocation"
	"github.com/shadowroute/vpnshop/internal/clock"
	domoracle "github.com/shadowroute/vpnshop/internal/domain/oracle"
	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
	"github.com/shadowroute/vpnshop/internal/observability"
	"github.com/shadowroute/vpnshop/internal/observability/logctx"
	"github.com/shadowroute/vpnshop/internal/vpnconfig"
)

const (
	paymentComponent = "payment_service"
	useCaseQuote     = "payment.quote"

	defaultPendingWindow = 24 * time.Hour
	qrSize               = 256
)

var defaultMonthlyPrice = decimal.RequireFromString("0.001")

var ErrUserRequired = errors.New("payment: user id is required")

type IDGenerator interface {
	NewID() string
}

// Service exposes the consumer-facing operations: issuing quotes and
// reporting payment status. A quote soft-reserves one inventory unit and
// records a pending ledger entry; everything after that is driven by the
// monitor.
type Service struct {
	ledger dompay.Repository
	engine *allocation.Engine
	oracle domoracle.Client
	clk    clock.Clock
	idGen  IDGenerator

	monthlyPrice  decimal.Decimal
	pendingWindow time.Duration

	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

type ServiceOption func(*Service)

// WithMonthlyPrice overrides the default per-month BTC price.
func WithMonthlyPrice(p decimal.Decimal) ServiceOption {
	return func(s *Service) {
		if p.IsPositive() {
			s.monthlyPrice = p
		}
	}
}

// WithPendingWindow overrides how long a quote stays payable.
func WithPendingWindow(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pendingWindow = d
		}
	}
}

func NewService(
	ledger dompay.Repository,
	engine *allocation.Engine,
	oracleClient domoracle.Client,
	clk clock.Clock,
	idGen IDGenerator,
	tel observability.Observability,
	opts ...ServiceOption,
) *Service {
	baseLog := observability.NopLogger()
	tracer := observability.NopTracer()
	metrics := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		tracer = tel.Tracer()
		metrics = tel.Metrics()
	}

	svc := &Service{
		ledger:        ledger,
		engine:        engine,
		oracle:        oracleClient,
		clk:           clk,
		idGen:         idGen,
		monthlyPrice:  defaultMonthlyPrice,
		pendingWindow: defaultPendingWindow,
		log:           baseLog.With(observability.F("component", paymentComponent)),
		tracer:        tracer,
		reqCounter:    metrics.Counter(observability.MUsecaseRequests),
		durHistogram:  metrics.Histogram(observability.MUsecaseDuration),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// PendingWindow is how long a quote stays payable.
func (s *Service) PendingWindow() time.Duration { return s.pendingWindow }

type QuoteInput struct {
	UserID         string
	Location       string
	DurationMonths int
}

type QuoteResult struct {
	PaymentID      string
	Address        string
	Location       string
	DurationMonths int
	AmountBTC      decimal.Decimal
	AmountFiat     decimal.Decimal
	FiatCurrency   string
	ExpiresAt      time.Time
	PaymentURI     string
	QRCode         string
}

// Quote reserves one unit in the location and opens a pending payment for it.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (_ *QuoteResult, err error) {
	logger := logctx.FromOr(ctx, s.log).With(
		observability.F("use_case", useCaseQuote),
		observability.F("user_id", in.UserID),
		observability.F("location", in.Location),
	)

	ctx, span := s.tracer.Start(ctx, "UC.Quote",
		attribute.String("use_case", useCaseQuote),
		attribute.String("location", in.Location),
		attribute.Int("duration_months", in.DurationMonths),
	)
	start := s.clk.Now()
	outcome := "success"
	defer func() {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, outcome)
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			span.End()
		}
		s.reqCounter.Add(1,
			observability.L("use_case", useCaseQuote),
			observability.L("outcome", outcome),
		)
		s.durHistogram.Observe(s.clk.Now().Sub(start).Seconds(),
			observability.L("use_case", useCaseQuote),
		)
	}()

	if in.UserID == "" {
		outcome = "invalid"
		return nil, ErrUserRequired
	}
	if !vpnconfig.Known(in.Location) {
		outcome = "invalid"
		return nil, fmt.Errorf("%w: %q", dompay.ErrInvalidLocation, in.Location)
	}
	if in.DurationMonths < 1 || in.DurationMonths > 12 {
		outcome = "invalid"
		return nil, dompay.ErrInvalidDuration
	}

	address, err := s.oracle.GenerateAddress(ctx)
	if err != nil {
		outcome = "oracle_error"
		return nil, fmt.Errorf("payment: generate address: %w", err)
	}

	unit, err := s.engine.Reserve(ctx, in.Location)
	if err != nil {
		outcome = "exhausted"
		return nil, err
	}

	now := s.clk.Now()
	amount := s.monthlyPrice.Mul(decimal.NewFromInt(int64(in.DurationMonths)))

	p, err := dompay.New(s.idGen.NewID(), in.UserID, in.Location, unit.ID, address, amount, in.DurationMonths, now)
	if err != nil {
		outcome = "invalid"
		s.releaseQuietly(ctx, unit.ID)
		return nil, err
	}
	if err := s.ledger.Create(ctx, p); err != nil {
		outcome = "error"
		s.releaseQuietly(ctx, unit.ID)
		return nil, fmt.Errorf("payment: create: %w", err)
	}

	result := &QuoteResult{
		PaymentID:      p.ID,
		Address:        address,
		Location:       in.Location,
		DurationMonths: in.DurationMonths,
		AmountBTC:      amount,
		ExpiresAt:      now.Add(s.pendingWindow),
		PaymentURI:     fmt.Sprintf("bitcoin:%s?amount=%s", address, amount.String()),
	}

	// Fiat conversion and QR are display sugar; neither failure voids the quote.
	if price, err := s.oracle.CurrentPrice(ctx); err != nil {
		logger.Warn("price_lookup_failed", observability.F("error", err.Error()))
	} else {
		result.AmountFiat = amount.Mul(price.PerBTC)
		result.FiatCurrency = price.Currency
	}
	if png, err := qrcode.Encode(result.PaymentURI, qrcode.Medium, qrSize); err != nil {
		logger.Warn("qr_encode_failed", observability.F("error", err.Error()))
	} else {
		result.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}

	logger.Info("quote_issued",
		observability.F("payment_id", p.ID),
		observability.F("unit_id", unit.ID),
		observability.F("address", address),
		observability.F("amount_btc", amount.String()),
	)
	return result, nil
}

type StatusResult struct {
	PaymentID      string
	UserID         string
	Status         dompay.Status
	Address        string
	AmountExpected decimal.Decimal
	AmountObserved decimal.Decimal
	TimeRemaining  time.Duration
	TxHash         string
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

// Status reports one payment. For pending payments the observed amount is
// refreshed from the oracle best-effort; an oracle failure falls back to the
// last ledger value and is never surfaced to the caller.
func (s *Service) Status(ctx context.Context, paymentID string) (*StatusResult, error) {
	p, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	observed := p.AmountObserved
	if p.Status == dompay.StatusPending {
		if balance, err := s.oracle.AddressBalance(ctx, p.Address); err != nil {
			logctx.FromOr(ctx, s.log).Warn("status_balance_lookup_failed",
				observability.F("payment_id", p.ID),
				observability.F("error", err.Error()),
			)
		} else {
			observed = balance
		}
	}

	remaining := s.pendingWindow - p.Age(s.clk.Now())
	if remaining < 0 || p.Terminal() {
		remaining = 0
	}

	return &StatusResult{
		PaymentID:      p.ID,
		UserID:         p.UserID,
		Status:         p.Status,
		Address:        p.Address,
		AmountExpected: p.AmountBTC,
		AmountObserved: observed,
		TimeRemaining:  remaining,
		TxHash:         p.TxHash,
		CreatedAt:      p.CreatedAt,
		ConfirmedAt:    p.ConfirmedAt,
	}, nil
}

// UserPayments lists every payment the user ever opened, newest last.
func (s *Service) UserPayments(ctx context.Context, userID string) ([]*dompay.Payment, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	return s.ledger.ListByUser(ctx, userID)
}

func (s *Service) releaseQuietly(ctx context.Context, unitID string) {
	if err := s.engine.Release(ctx, unitID); err != nil {
		s.log.Error("reservation_rollback_failed",
			observability.F("unit_id", unitID),
			observability.F("error", err.Error()),
		)
	}
}
