package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable marks a transient oracle failure. Callers treat it as
// "unknown, retry later", never as a zero balance.
var ErrUnavailable = errors.New("oracle: unavailable")

// TxDetails describes one settlement transaction as the oracle observed it.
// Amount is scoped to the receiving address the details were asked for, so a
// transaction's change outputs never inflate it.
type TxDetails struct {
	TxID          string
	Amount        decimal.Decimal
	Confirmations int
	Time          time.Time
}

type Price struct {
	Currency  string
	PerBTC    decimal.Decimal
	FetchedAt time.Time
}

// Client reports externally observed payment evidence for receiving
// addresses. Implementations: the esplora HTTP adapter for live chains and a
// scripted fake for tests. Every call may fail with ErrUnavailable.
type Client interface {
	GenerateAddress(ctx context.Context) (string, error)
	AddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
	AddressTransactions(ctx context.Context, address string) ([]string, error)
	TransactionDetails(ctx context.Context, txid, address string) (TxDetails, error)
	CurrentPrice(ctx context.Context) (Price, error)
}
