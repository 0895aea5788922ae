package agentregistry

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentscore/internal/fixedpoint"
)

// fakeCaller decodes calls against an ABI and answers with packed outputs
// from per-method handlers.
type fakeCaller struct {
	t        *testing.T
	abi      abi.ABI
	handlers map[string]func(args []any) []any
	err      error

	mu    sync.Mutex
	calls []string
}

func newFakeCaller(t *testing.T, abiJSON string, handlers map[string]func(args []any) []any) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	require.NoError(t, err)
	return &fakeCaller{t: t, abi: parsed, handlers: handlers}
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := f.abi.MethodById(call.Data[:4])
	require.NoError(f.t, err)

	f.mu.Lock()
	f.calls = append(f.calls, m.Name)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.handlers[m.Name]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	args, err := m.Inputs.Unpack(call.Data[4:])
	require.NoError(f.t, err)
	return m.Outputs.Pack(h(args)...)
}

var registryAddr = common.HexToAddress("0x8004a169fb4a3325136eb29fa0ceb6d2e539a432")

func TestIdentityContract(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	caller := newFakeCaller(t, identityABI, map[string]func([]any) []any{
		"ownerOf": func(args []any) []any {
			assert.Equal(t, int64(7), args[0].(*big.Int).Int64())
			return []any{owner}
		},
		"tokenURI":    func([]any) []any { return []any{"ipfs://bafy/agent.json"} },
		"getMetadata": func(args []any) []any { return []any{[]byte("key=" + args[1].(string))} },
	})
	ic, err := NewIdentityContract(caller, registryAddr)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := ic.OwnerOf(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	uri, err := ic.TokenURI(ctx, big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://bafy/agent.json", uri)

	meta, err := ic.GetMetadata(ctx, big.NewInt(7), AgentWalletKey)
	require.NoError(t, err)
	assert.Equal(t, "key=agentWallet", string(meta))
}

func TestIdentityContract_CallError(t *testing.T) {
	caller := newFakeCaller(t, identityABI, nil)
	ic, err := NewIdentityContract(caller, registryAddr)
	require.NoError(t, err)

	_, err = ic.TokenURI(context.Background(), big.NewInt(1))
	assert.ErrorIs(t, err, ErrContractCall)

	caller.err = errors.New("connection refused")
	_, err = ic.OwnerOf(context.Background(), big.NewInt(1))
	assert.ErrorIs(t, err, ErrContractCall)
	assert.ErrorContains(t, err, "connection refused")
}

func TestReputationContract(t *testing.T) {
	client := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	caller := newFakeCaller(t, reputationABI, map[string]func([]any) []any{
		"getSummary": func(args []any) []any {
			assert.Equal(t, []common.Address{client}, args[1])
			assert.Equal(t, "uptime", args[2])
			return []any{uint64(3), big.NewInt(-1250), uint8(2)}
		},
		"getClients":   func([]any) []any { return []any{[]common.Address{client}} },
		"getLastIndex": func([]any) []any { return []any{uint64(4)} },
		"readFeedback": func(args []any) []any {
			assert.Equal(t, uint64(2), args[2])
			return []any{big.NewInt(9977), uint8(2), "uptime", "", true}
		},
	})
	rc, err := NewReputationContract(caller, registryAddr)
	require.NoError(t, err)
	ctx := context.Background()
	id := big.NewInt(1)

	sum, err := rc.GetSummary(ctx, id, []common.Address{client}, fixedpoint.TagUptime, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum.Count)
	assert.Equal(t, "-12.50", sum.Value.String())

	clients, err := rc.GetClients(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{client}, clients)

	last, err := rc.GetLastIndex(ctx, id, client)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	fb, err := rc.ReadFeedback(ctx, id, client, 2)
	require.NoError(t, err)
	assert.Equal(t, "99.77", fb.Value.String())
	assert.Equal(t, fixedpoint.TagUptime, fb.Tag1)
	assert.True(t, fb.Revoked)
	assert.Equal(t, client, fb.Client)
}

func TestReputationContract_LegacyTags(t *testing.T) {
	quality, _ := fixedpoint.Tag("quality").Bytes32()
	caller := newFakeCaller(t, legacyReputationABI, map[string]func([]any) []any{
		"getSummary": func(args []any) []any {
			assert.Equal(t, quality, args[2])
			return []any{uint64(5), uint8(88)}
		},
		"readFeedback": func([]any) []any {
			return []any{uint8(90), quality, [32]byte{}, false}
		},
	})
	rc, err := NewReputationContract(caller, registryAddr, WithLegacyTags())
	require.NoError(t, err)
	ctx := context.Background()

	sum, err := rc.GetSummary(ctx, big.NewInt(1), nil, "quality", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum.Count)
	assert.Equal(t, 88.0, sum.Value.Float64())

	fb, err := rc.ReadFeedback(ctx, big.NewInt(1), common.Address{}, 1)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Tag("quality"), fb.Tag1)
	assert.Equal(t, fixedpoint.Tag(""), fb.Tag2)
	assert.Equal(t, "90", fb.Value.String())

	_, err = rc.GetSummary(ctx, big.NewInt(1), nil, fixedpoint.Tag(strings.Repeat("x", 33)), "")
	assert.ErrorContains(t, err, "does not fit bytes32")
}

func TestValidationContract(t *testing.T) {
	validator := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")
	caller := newFakeCaller(t, validationABI, map[string]func([]any) []any{
		"getAgentValidations": func([]any) []any { return []any{[][32]byte{h1, h2}} },
		"getValidationStatus": func(args []any) []any {
			if common.Hash(args[0].([32]byte)) == h1 {
				return []any{validator, big.NewInt(1), uint8(85), "security", big.NewInt(1_700_000_000)}
			}
			return []any{validator, big.NewInt(1), uint8(0), "", big.NewInt(0)}
		},
	})
	vc, err := NewValidationContract(caller, registryAddr)
	require.NoError(t, err)
	ctx := context.Background()

	hashes, err := vc.GetAgentValidations(ctx, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{h1, h2}, hashes)

	s1, err := vc.GetValidationStatus(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, validator, s1.Validator)
	assert.Equal(t, uint8(85), s1.Response)
	assert.Equal(t, fixedpoint.Tag("security"), s1.Tag)
	assert.True(t, s1.Responded())
	assert.True(t, s1.Passed())
	assert.Equal(t, int64(1_700_000_000), s1.LastUpdate.Unix())

	s2, err := vc.GetValidationStatus(ctx, h2)
	require.NoError(t, err)
	assert.False(t, s2.Responded())
}

func TestValidationStatus_PassThreshold(t *testing.T) {
	tests := []struct {
		response uint8
		want     bool
	}{
		{0, false},
		{69, false},
		{70, true},
		{100, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidationStatus{Response: tt.response}.Passed(), "response %d", tt.response)
	}
}
