package txmetrics

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/ratelimit"
)

var testToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71B54bdA02913")

type fakeEVM struct {
	head       uint64
	logs       []types.Log
	blockTimes map[uint64]uint64

	queries     []ethereum.FilterQuery
	headerCalls map[uint64]int
	filterErr   error
	headerErr   error
}

func (f *fakeEVM) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeEVM) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 2 && len(q.Topics[2]) > 0 && l.Topics[2] != q.Topics[2][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeEVM) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.headerCalls == nil {
		f.headerCalls = make(map[uint64]int)
	}
	f.headerCalls[number.Uint64()]++
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	return &types.Header{Number: number, Time: f.blockTimes[number.Uint64()]}, nil
}

func transferLog(block uint64, from, to common.Address, micros int64, tx byte) types.Log {
	return types.Log{
		Address:     testToken,
		Topics:      []common.Hash{transferEventSig, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(micros).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func TestEVMScanner_ChunksAndAggregates(t *testing.T) {
	agent := common.HexToAddress(baseAgent)
	other := common.HexToAddress(baseAgent2)
	buyerA := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyerB := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	tenDaysAgo := uint64(testNow.Add(-10 * 24 * time.Hour).Unix())
	yesterday := uint64(testNow.Add(-24 * time.Hour).Unix())

	client := &fakeEVM{
		head: 100,
		logs: []types.Log{
			transferLog(50, buyerA, agent, 9_000_000, 1), // outside the window
			transferLog(80, buyerA, agent, 1_500_000, 2),
			transferLog(80, buyerB, agent, 2_000_000, 3),
			transferLog(90, buyerA, other, 7_000_000, 4), // different recipient
			transferLog(97, buyerA, agent, 10_000_000, 5),
		},
		blockTimes: map[uint64]uint64{80: tenDaysAgo, 97: yesterday},
	}
	s := NewEVMScanner(client, testToken, WithScanWindow(25), WithChunkSize(10))

	transfers, err := s.Scan(context.Background(), baseAgent)
	require.NoError(t, err)
	require.Len(t, transfers, 3)

	require.Len(t, client.queries, 3)
	assert.Equal(t, uint64(75), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(84), client.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(95), client.queries[2].FromBlock.Uint64())
	assert.Equal(t, uint64(100), client.queries[2].ToBlock.Uint64())
	assert.Equal(t, []common.Address{testToken}, client.queries[0].Addresses)

	assert.Equal(t, map[uint64]int{80: 1, 97: 1}, client.headerCalls)
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", transfers[0].From)
	assert.Equal(t, "1.500000", transfers[0].Amount.String())

	m := Aggregate(chain.Base, baseAgent, transfers, testNow)
	assert.Equal(t, 3, m.TransactionCount)
	assert.InDelta(t, 13.5, m.TotalVolumeUSD, 1e-9)
	assert.InDelta(t, 4.5, m.AverageVolumeUSD, 1e-9)
	assert.Equal(t, 2, m.UniqueBuyers)
	assert.InDelta(t, 0.5, m.RepeatBuyerRate, 1e-9)
	assert.Equal(t, Window{Count: 1, VolumeUSD: 10}, m.Last7Days)
	assert.Equal(t, 3, m.Last30Days.Count)
	require.NotNil(t, m.FirstTransactionAt)
	assert.Equal(t, int64(tenDaysAgo), m.FirstTransactionAt.Unix())
	assert.Equal(t, int64(yesterday), m.LastTransactionAt.Unix())
}

func TestEVMScanner_WindowLargerThanChain(t *testing.T) {
	client := &fakeEVM{head: 5}
	s := NewEVMScanner(client, testToken)

	transfers, err := s.Scan(context.Background(), baseAgent)
	require.NoError(t, err)
	assert.Empty(t, transfers)
	require.Len(t, client.queries, 1)
	assert.Equal(t, uint64(0), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(5), client.queries[0].ToBlock.Uint64())
}

func TestEVMScanner_Errors(t *testing.T) {
	s := NewEVMScanner(&fakeEVM{head: 10, filterErr: errors.New("rate limited")}, testToken)
	_, err := s.Scan(context.Background(), baseAgent)
	assert.ErrorContains(t, err, "rate limited")

	agent := common.HexToAddress(baseAgent)
	s = NewEVMScanner(&fakeEVM{
		head:      10,
		logs:      []types.Log{transferLog(3, common.Address{}, agent, 1, 1)},
		headerErr: errors.New("header unavailable"),
	}, testToken)
	_, err = s.Scan(context.Background(), baseAgent)
	assert.ErrorContains(t, err, "header unavailable")

	_, err = s.Scan(context.Background(), solanaAgent)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestEVMScanner_SkipsRemovedLogs(t *testing.T) {
	agent := common.HexToAddress(baseAgent)
	removed := transferLog(3, common.Address{}, agent, 1, 1)
	removed.Removed = true

	s := NewEVMScanner(&fakeEVM{head: 10, logs: []types.Log{removed}}, testToken)
	transfers, err := s.Scan(context.Background(), baseAgent)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestThrottleEVM(t *testing.T) {
	client := &fakeEVM{head: 5}
	assert.Same(t, client, ThrottleEVM(client, nil))

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 0.01, BurstSize: 2}, nil)
	throttled := ThrottleEVM(client, limiter)
	s := NewEVMScanner(throttled, testToken)

	// BlockNumber and one FilterLogs use the burst.
	_, err := s.Scan(context.Background(), baseAgent)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = throttled.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, client.queries, 1)
}

type countingCaller struct {
	calls int
}

func (c *countingCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.calls++
	return []byte{0x01}, nil
}

func TestThrottleCaller(t *testing.T) {
	caller := &countingCaller{}
	assert.Same(t, caller, ThrottleCaller(caller, nil))

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 0.01, BurstSize: 1}, nil)
	throttled := ThrottleCaller(caller, limiter)
	evm := ThrottleEVM(&fakeEVM{head: 5}, limiter)

	out, err := throttled.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, out)

	// Contract reads and scanner calls share one bucket.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = evm.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = throttled.CallContract(ctx, ethereum.CallMsg{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, caller.calls)
}
