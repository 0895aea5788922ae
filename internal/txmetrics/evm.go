package txmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/fixedpoint"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/ratelimit"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const (
	// DefaultScanBlocks is ~30 days of 2-second blocks.
	DefaultScanBlocks uint64 = 1_296_000

	// DefaultChunkBlocks is the block span of one eth_getLogs request.
	DefaultChunkBlocks uint64 = 10_000
)

// EVMClient is the ledger read surface the EVM scanner needs.
// *ethclient.Client satisfies it.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ThrottleEVM wraps client so every call waits on limiter under the
// "base-rpc" key. A nil limiter returns client unchanged.
func ThrottleEVM(client EVMClient, limiter *ratelimit.Limiter) EVMClient {
	if limiter == nil {
		return client
	}
	return &throttledEVM{client: client, limiter: limiter}
}

const evmLimitKey = "base-rpc"

type throttledEVM struct {
	client  EVMClient
	limiter *ratelimit.Limiter
}

func (t *throttledEVM) BlockNumber(ctx context.Context) (uint64, error) {
	if err := t.limiter.Wait(ctx, evmLimitKey); err != nil {
		return 0, err
	}
	return t.client.BlockNumber(ctx)
}

func (t *throttledEVM) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := t.limiter.Wait(ctx, evmLimitKey); err != nil {
		return nil, err
	}
	return t.client.FilterLogs(ctx, q)
}

func (t *throttledEVM) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := t.limiter.Wait(ctx, evmLimitKey); err != nil {
		return nil, err
	}
	return t.client.HeaderByNumber(ctx, number)
}

// ContractCaller executes read-only contract calls on Base.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ThrottleCaller wraps caller so contract reads share the "base-rpc" bucket
// with the scanner. A nil limiter returns caller unchanged.
func ThrottleCaller(caller ContractCaller, limiter *ratelimit.Limiter) ContractCaller {
	if limiter == nil {
		return caller
	}
	return &throttledCaller{caller: caller, limiter: limiter}
}

type throttledCaller struct {
	caller  ContractCaller
	limiter *ratelimit.Limiter
}

func (t *throttledCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := t.limiter.Wait(ctx, evmLimitKey); err != nil {
		return nil, err
	}
	return t.caller.CallContract(ctx, call, blockNumber)
}

// EVMScanner reads incoming token transfers to an address from recent
// Transfer logs of one ERC-20 contract.
type EVMScanner struct {
	client   EVMClient
	token    common.Address
	window   uint64
	chunk    uint64
	decimals uint8
	logger   *slog.Logger
}

// EVMOption configures an EVMScanner.
type EVMOption func(*EVMScanner)

// WithScanWindow sets how many blocks back from the head are scanned.
func WithScanWindow(blocks uint64) EVMOption {
	return func(s *EVMScanner) {
		if blocks > 0 {
			s.window = blocks
		}
	}
}

// WithChunkSize sets the block span of each log query.
func WithChunkSize(blocks uint64) EVMOption {
	return func(s *EVMScanner) {
		if blocks > 0 {
			s.chunk = blocks
		}
	}
}

// WithEVMLogger sets the scanner logger.
func WithEVMLogger(l *slog.Logger) EVMOption {
	return func(s *EVMScanner) { s.logger = l }
}

// NewEVMScanner creates a scanner for USDC-style (6 decimal) transfers of
// token.
func NewEVMScanner(client EVMClient, token common.Address, opts ...EVMOption) *EVMScanner {
	s := &EVMScanner{
		client:   client,
		token:    token,
		window:   DefaultScanBlocks,
		chunk:    DefaultChunkBlocks,
		decimals: fixedpoint.USDCDecimals,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan returns transfers to address within the scan window. Any RPC failure
// aborts the scan.
func (s *EVMScanner) Scan(ctx context.Context, address string) ([]Transfer, error) {
	if !chain.Base.IsValidAddress(address) {
		return nil, chain.ErrInvalidAddress
	}
	to := common.HexToAddress(address)

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	var from uint64
	if head > s.window {
		from = head - s.window
	}

	var logs []types.Log
	for start := from; start <= head; start += s.chunk {
		end := min(start+s.chunk-1, head)
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{s.token},
			Topics: [][]common.Hash{
				{transferEventSig},
				nil,
				{common.BytesToHash(to.Bytes())},
			},
		}
		chunk, err := s.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to filter logs %d-%d: %w", start, end, err)
		}
		logs = append(logs, chunk...)
	}

	s.logger.Debug("evm scan complete",
		"address", address,
		"fromBlock", from,
		"toBlock", head,
		"logs", len(logs),
	)

	return s.transfers(ctx, logs)
}

// transfers decodes logs, resolving each distinct block's timestamp once.
func (s *EVMScanner) transfers(ctx context.Context, logs []types.Log) ([]Transfer, error) {
	blockTimes := make(map[uint64]time.Time)
	out := make([]Transfer, 0, len(logs))

	for _, vLog := range logs {
		// Topics[1] = from, Topics[2] = to, Data = amount
		if vLog.Removed || len(vLog.Topics) < 3 {
			continue
		}

		ts, ok := blockTimes[vLog.BlockNumber]
		if !ok {
			header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("failed to get block %d: %w", vLog.BlockNumber, err)
			}
			ts = time.Unix(int64(header.Time), 0).UTC() //nolint:gosec // block timestamps fit in int64
			blockTimes[vLog.BlockNumber] = ts
		}

		sender := common.BytesToAddress(vLog.Topics[1].Bytes())
		out = append(out, Transfer{
			Hash:      vLog.TxHash.Hex(),
			From:      strings.ToLower(sender.Hex()),
			Amount:    fixedpoint.NewValue(new(big.Int).SetBytes(vLog.Data), s.decimals),
			Timestamp: ts,
		})
	}
	return out, nil
}
