package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shadowroute/vpnshop/internal/domain/oracle"
	"github.com/shadowroute/vpnshop/internal/observability"
)

const defaultHTTPTimeout = 10 * time.Second

// satoshisPerBTC converts on-chain satoshi values to BTC decimals.
var satoshisPerBTC = decimal.NewFromInt(100_000_000)

// AddressSource provides fresh receiving addresses. An esplora index is
// watch-only, so address generation comes from elsewhere (a pre-derived book
// in the simplest deployment).
type AddressSource interface {
	NextAddress(ctx context.Context) (string, error)
}

// Esplora reads payment evidence from an esplora-style chain index
// (blockstream.info compatible REST API) and spot prices from a separate
// price endpoint returning {"btc_usd": <number>}.
type Esplora struct {
	baseURL  string
	priceURL string
	source   AddressSource
	client   *http.Client

	requests observability.Counter
	duration observability.Histogram
}

type EsploraOption func(*Esplora)

// WithTelemetry instruments every upstream request with a counter and a
// latency histogram.
func WithTelemetry(tel observability.Observability) EsploraOption {
	return func(e *Esplora) {
		if tel != nil {
			e.requests = tel.Metrics().Counter(observability.MOracleRequests)
			e.duration = tel.Metrics().Histogram(observability.MOracleRequestDuration)
		}
	}
}

func NewEsplora(baseURL, priceURL string, source AddressSource, opts ...EsploraOption) *Esplora {
	e := &Esplora{
		baseURL:  baseURL,
		priceURL: priceURL,
		source:   source,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		requests: observability.NopCounter(),
		duration: observability.NopHistogram(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Esplora) GenerateAddress(ctx context.Context) (string, error) {
	if e.source == nil {
		return "", fmt.Errorf("%w: no address source configured", oracle.ErrUnavailable)
	}
	return e.source.NextAddress(ctx)
}

type addressStats struct {
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"chain_stats"`
	MempoolStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"mempool_stats"`
}

func (e *Esplora) AddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var stats addressStats
	if err := e.getJSON(ctx, "address", e.baseURL+"/address/"+url.PathEscape(address), &stats); err != nil {
		return decimal.Zero, err
	}
	sats := stats.ChainStats.FundedTxoSum - stats.ChainStats.SpentTxoSum +
		stats.MempoolStats.FundedTxoSum - stats.MempoolStats.SpentTxoSum
	return decimal.NewFromInt(sats).Div(satoshisPerBTC), nil
}

type addressTx struct {
	TxID string `json:"txid"`
}

func (e *Esplora) AddressTransactions(ctx context.Context, address string) ([]string, error) {
	var txs []addressTx
	if err := e.getJSON(ctx, "address_txs", e.baseURL+"/address/"+url.PathEscape(address)+"/txs", &txs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.TxID)
	}
	return ids, nil
}

type txInfo struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

func (e *Esplora) TransactionDetails(ctx context.Context, txid, address string) (oracle.TxDetails, error) {
	var tx txInfo
	if err := e.getJSON(ctx, "tx", e.baseURL+"/tx/"+url.PathEscape(txid), &tx); err != nil {
		return oracle.TxDetails{}, err
	}

	// Count only outputs paying the asked-for address; the rest is change.
	var sats int64
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress == address {
			sats += out.Value
		}
	}

	details := oracle.TxDetails{
		TxID:   tx.TxID,
		Amount: decimal.NewFromInt(sats).Div(satoshisPerBTC),
	}
	if tx.Status.Confirmed {
		details.Time = time.Unix(tx.Status.BlockTime, 0).UTC()

		var tip int64
		if err := e.getJSON(ctx, "tip_height", e.baseURL+"/blocks/tip/height", &tip); err == nil && tip >= tx.Status.BlockHeight {
			details.Confirmations = int(tip - tx.Status.BlockHeight + 1)
		} else {
			details.Confirmations = 1
		}
	}
	return details, nil
}

type priceResponse struct {
	BTCUSD float64 `json:"btc_usd"`
}

func (e *Esplora) CurrentPrice(ctx context.Context) (oracle.Price, error) {
	if e.priceURL == "" {
		return oracle.Price{}, fmt.Errorf("%w: no price endpoint configured", oracle.ErrUnavailable)
	}
	var p priceResponse
	if err := e.getJSON(ctx, "price", e.priceURL, &p); err != nil {
		return oracle.Price{}, err
	}
	return oracle.Price{
		Currency:  "USD",
		PerBTC:    decimal.NewFromFloat(p.BTCUSD),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (e *Esplora) getJSON(ctx context.Context, op, rawURL string, dst any) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		e.requests.Add(1, observability.L("op", op), observability.L("outcome", outcome))
		e.duration.Observe(time.Since(start).Seconds(), observability.L("op", op))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		outcome = "error"
		return fmt.Errorf("%w: %s returned %d", oracle.ErrUnavailable, rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		outcome = "error"
		return fmt.Errorf("%w: decode %s: %v", oracle.ErrUnavailable, rawURL, err)
	}
	return nil
}

// StaticAddressBook cycles through a pre-derived list of receiving addresses.
type StaticAddressBook struct {
	mu    sync.Mutex
	addrs []string
	next  int
}

func NewStaticAddressBook(addrs []string) *StaticAddressBook {
	return &StaticAddressBook{addrs: addrs}
}

func (b *StaticAddressBook) NextAddress(ctx context.Context) (string, error) {
	_ = ctx

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.addrs) == 0 {
		return "", fmt.Errorf("%w: address book empty", oracle.ErrUnavailable)
	}
	addr := b.addrs[b.next%len(b.addrs)]
	b.next++
	return addr, nil
}
