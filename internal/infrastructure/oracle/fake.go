package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/shadowroute/vpnshop/internal/domain/oracle"
)

// Fake is a deterministic oracle scripted per test. Behaviour is set
// explicitly with SetBalance/AddTransaction/SetPrice; nothing is randomized.
type Fake struct {
	mu       sync.Mutex
	addrSeq  int
	balances map[string]decimal.Decimal
	txs      map[string][]string
	details  map[string]oracle.TxDetails
	price    oracle.Price
	priceErr error

	failAddrs map[string]error
	failTxs   map[string]error
	globalErr error

	// BalanceHook, when set, runs inside AddressBalance before the scripted
	// result is returned. Tests use it to block or observe calls.
	BalanceHook func(address string)
}

func NewFake() *Fake {
	return &Fake{
		balances:  make(map[string]decimal.Decimal),
		txs:       make(map[string][]string),
		details:   make(map[string]oracle.TxDetails),
		failAddrs: make(map[string]error),
		failTxs:   make(map[string]error),
	}
}

func (f *Fake) SetBalance(address string, balance decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = balance
}

func (f *Fake) AddTransaction(address string, d oracle.TxDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[address] = append(f.txs[address], d.TxID)
	f.details[d.TxID] = d
}

func (f *Fake) SetPrice(p oracle.Price) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
	f.priceErr = nil
}

func (f *Fake) FailPrice(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceErr = err
}

// FailAddress makes AddressBalance and AddressTransactions fail for one address.
func (f *Fake) FailAddress(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAddrs[address] = err
}

// FailTransactions makes AddressTransactions fail for one address while the
// balance stays readable. Clear with FailTransactions(address, nil).
func (f *Fake) FailTransactions(address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failTxs, address)
		return
	}
	f.failTxs[address] = err
}

// FailAll makes every call fail until cleared with FailAll(nil).
func (f *Fake) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalErr = err
}

func (f *Fake) GenerateAddress(ctx context.Context) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return "", f.globalErr
	}
	f.addrSeq++
	return fmt.Sprintf("tb1qfake%08d", f.addrSeq), nil
}

func (f *Fake) AddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if hook := f.hook(); hook != nil {
		hook(address)
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return decimal.Zero, f.globalErr
	}
	if err, ok := f.failAddrs[address]; ok {
		return decimal.Zero, err
	}
	return f.balances[address], nil
}

func (f *Fake) AddressTransactions(ctx context.Context, address string) ([]string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return nil, f.globalErr
	}
	if err, ok := f.failAddrs[address]; ok {
		return nil, err
	}
	if err, ok := f.failTxs[address]; ok {
		return nil, err
	}
	return append([]string(nil), f.txs[address]...), nil
}

func (f *Fake) TransactionDetails(ctx context.Context, txid, address string) (oracle.TxDetails, error) {
	_ = ctx
	_ = address
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return oracle.TxDetails{}, f.globalErr
	}
	d, ok := f.details[txid]
	if !ok {
		return oracle.TxDetails{}, fmt.Errorf("%w: unknown tx %s", oracle.ErrUnavailable, txid)
	}
	return d, nil
}

func (f *Fake) CurrentPrice(ctx context.Context) (oracle.Price, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return oracle.Price{}, f.globalErr
	}
	if f.priceErr != nil {
		return oracle.Price{}, f.priceErr
	}
	return f.price, nil
}

func (f *Fake) hook() func(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BalanceHook
}
