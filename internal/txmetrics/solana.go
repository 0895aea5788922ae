package txmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/fixedpoint"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/ratelimit"
)

const (
	// DefaultSignatureLimit is how many recent signatures are inspected.
	DefaultSignatureLimit = 100

	solanaBatchSize  = 10
	solanaBatchDelay = 100 * time.Millisecond
	solanaLimitKey   = "solana-rpc"
)

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

// Failed reports whether the transaction was rejected by the runtime.
func (s SignatureInfo) Failed() bool {
	return failed(s.Err)
}

// UITokenAmount is the raw amount of a token balance.
type UITokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// TokenBalance is one pre/post token balance of a parsed transaction.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta is the status section of a parsed transaction.
type TransactionMeta struct {
	Err               json.RawMessage `json:"err"`
	PreTokenBalances  []TokenBalance  `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance  `json:"postTokenBalances"`
}

// SolanaTransaction is the subset of getTransaction (jsonParsed) the scanner
// reads.
type SolanaTransaction struct {
	Slot      uint64           `json:"slot"`
	BlockTime *int64           `json:"blockTime"`
	Meta      *TransactionMeta `json:"meta"`
}

func failed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// SolanaClient is the ledger read surface the Solana scanner needs.
type SolanaClient interface {
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*SolanaTransaction, error)
}

// RPCSolanaClient speaks Solana JSON-RPC over a go-ethereum rpc.Client.
type RPCSolanaClient struct {
	c       *rpc.Client
	limiter *ratelimit.Limiter
}

// DialSolana connects to a Solana JSON-RPC endpoint. A non-nil limiter
// throttles every call under the "solana-rpc" key.
func DialSolana(ctx context.Context, url string, limiter *ratelimit.Limiter) (*RPCSolanaClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to solana RPC: %w", err)
	}
	return &RPCSolanaClient{c: c, limiter: limiter}, nil
}

func (s *RPCSolanaClient) call(ctx context.Context, out any, method string, args ...any) error {
	if err := s.limiter.Wait(ctx, solanaLimitKey); err != nil {
		return err
	}
	return s.c.CallContext(ctx, out, method, args...)
}

// Close releases the underlying connection.
func (s *RPCSolanaClient) Close() {
	s.c.Close()
}

func (s *RPCSolanaClient) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	var out []SignatureInfo
	err := s.call(ctx, &out, "getSignaturesForAddress", address, map[string]any{
		"limit":      limit,
		"commitment": "confirmed",
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RPCSolanaClient) GetTransaction(ctx context.Context, signature string) (*SolanaTransaction, error) {
	var out *SolanaTransaction
	err := s.call(ctx, &out, "getTransaction", signature, map[string]any{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
		"commitment":                     "confirmed",
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSlot returns the latest confirmed slot.
func (s *RPCSolanaClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := s.call(ctx, &slot, "getSlot", map[string]any{"commitment": "confirmed"})
	return slot, err
}

// SolanaScanner detects incoming SPL token payments to an owner from token
// balance deltas of its recent transactions.
type SolanaScanner struct {
	client     SolanaClient
	mint       string
	limit      int
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
}

// SolanaOption configures a SolanaScanner.
type SolanaOption func(*SolanaScanner)

// WithSignatureLimit sets how many recent signatures are inspected.
func WithSignatureLimit(n int) SolanaOption {
	return func(s *SolanaScanner) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithBatchDelay sets the pause between transaction batches.
func WithBatchDelay(d time.Duration) SolanaOption {
	return func(s *SolanaScanner) { s.batchDelay = d }
}

// WithSolanaLogger sets the scanner logger.
func WithSolanaLogger(l *slog.Logger) SolanaOption {
	return func(s *SolanaScanner) { s.logger = l }
}

// NewSolanaScanner creates a scanner for transfers of mint.
func NewSolanaScanner(client SolanaClient, mint string, opts ...SolanaOption) *SolanaScanner {
	s := &SolanaScanner{
		client:     client,
		mint:       mint,
		limit:      DefaultSignatureLimit,
		batchSize:  solanaBatchSize,
		batchDelay: solanaBatchDelay,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan returns incoming transfers among the address's most recent
// signatures. Transactions that fail to load are skipped; only the
// signature listing failing aborts the scan.
func (s *SolanaScanner) Scan(ctx context.Context, address string) ([]Transfer, error) {
	if !chain.Solana.IsValidAddress(address) {
		return nil, chain.ErrInvalidAddress
	}

	sigs, err := s.client.GetSignaturesForAddress(ctx, address, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get signatures: %w", err)
	}

	var (
		out     []Transfer
		skipped int
	)
	for start := 0; start < len(sigs); start += s.batchSize {
		if start > 0 && s.batchDelay > 0 {
			timer := time.NewTimer(s.batchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		batch := sigs[start:min(start+s.batchSize, len(sigs))]
		found := make([]*Transfer, len(batch))
		errs := make([]error, len(batch))

		var g errgroup.Group
		for i, sig := range batch {
			if sig.Failed() {
				continue
			}
			g.Go(func() error {
				tx, err := s.client.GetTransaction(ctx, sig.Signature)
				if err != nil {
					errs[i] = err
					return nil
				}
				if t, ok := s.incoming(tx, address, sig); ok {
					found[i] = &t
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, t := range found {
			if errs[i] != nil {
				skipped++
				s.logger.Debug("skipping solana transaction", "signature", batch[i].Signature, "error", errs[i])
			}
			if t != nil {
				out = append(out, *t)
			}
		}
	}

	s.logger.Debug("solana scan complete",
		"address", address,
		"signatures", len(sigs),
		"transfers", len(out),
		"skipped", skipped,
	)
	return out, nil
}

type ownerBalance struct {
	amount   *big.Int
	decimals uint8
}

// balancesByOwner sums the mint's token balances per owner.
func (s *SolanaScanner) balancesByOwner(balances []TokenBalance) map[string]ownerBalance {
	out := make(map[string]ownerBalance)
	for _, b := range balances {
		if b.Mint != s.mint || b.Owner == "" {
			continue
		}
		amt, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10)
		if !ok {
			continue
		}
		cur, ok := out[b.Owner]
		if !ok {
			cur = ownerBalance{amount: new(big.Int), decimals: b.UITokenAmount.Decimals}
		}
		cur.amount.Add(cur.amount, amt)
		out[b.Owner] = cur
	}
	return out
}

// incoming reports the payment to owner in tx, if any. The payer is the
// owner whose balance of the mint decreased the most.
func (s *SolanaScanner) incoming(tx *SolanaTransaction, owner string, sig SignatureInfo) (Transfer, bool) {
	if tx == nil || tx.Meta == nil || failed(tx.Meta.Err) {
		return Transfer{}, false
	}

	pre := s.balancesByOwner(tx.Meta.PreTokenBalances)
	post := s.balancesByOwner(tx.Meta.PostTokenBalances)

	after, ok := post[owner]
	if !ok {
		return Transfer{}, false
	}
	delta := new(big.Int).Set(after.amount)
	if before, ok := pre[owner]; ok {
		delta.Sub(delta, before.amount)
	}
	if delta.Sign() <= 0 {
		return Transfer{}, false
	}

	owners := make([]string, 0, len(pre))
	for o := range pre {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	var (
		payer    string
		largest  = new(big.Int)
		decrease = new(big.Int)
	)
	for _, o := range owners {
		if o == owner {
			continue
		}
		decrease.Set(pre[o].amount)
		if p, ok := post[o]; ok {
			decrease.Sub(decrease, p.amount)
		}
		if decrease.Cmp(largest) > 0 {
			largest.Set(decrease)
			payer = o
		}
	}

	var ts time.Time
	switch {
	case tx.BlockTime != nil:
		ts = time.Unix(*tx.BlockTime, 0).UTC()
	case sig.BlockTime != nil:
		ts = time.Unix(*sig.BlockTime, 0).UTC()
	}

	return Transfer{
		Hash:      sig.Signature,
		From:      payer,
		Amount:    fixedpoint.NewValue(delta, after.decimals),
		Timestamp: ts,
	}, true
}
