package agentregistry

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentscore/internal/fixedpoint"
)

// ContractCaller executes read-only calls. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const identityABI = `[
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"getMetadata","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"metadataKey","type":"string"}],"outputs":[{"name":"","type":"bytes"}]}
]`

const reputationABI = `[
	{"type":"function","name":"getSummary","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddresses","type":"address[]"},{"name":"tag1","type":"string"},{"name":"tag2","type":"string"}],"outputs":[{"name":"count","type":"uint64"},{"name":"summaryValue","type":"int128"},{"name":"summaryValueDecimals","type":"uint8"}]},
	{"type":"function","name":"getClients","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getLastIndex","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"readFeedback","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"},{"name":"feedbackIndex","type":"uint64"}],"outputs":[{"name":"value","type":"int128"},{"name":"valueDecimals","type":"uint8"},{"name":"tag1","type":"string"},{"name":"tag2","type":"string"},{"name":"isRevoked","type":"bool"}]}
]`

// Deployments predating string tags and signed values.
const legacyReputationABI = `[
	{"type":"function","name":"getSummary","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddresses","type":"address[]"},{"name":"tag1","type":"bytes32"},{"name":"tag2","type":"bytes32"}],"outputs":[{"name":"count","type":"uint64"},{"name":"averageScore","type":"uint8"}]},
	{"type":"function","name":"getClients","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getLastIndex","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"readFeedback","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddress","type":"address"},{"name":"index","type":"uint64"}],"outputs":[{"name":"score","type":"uint8"},{"name":"tag1","type":"bytes32"},{"name":"tag2","type":"bytes32"},{"name":"isRevoked","type":"bool"}]}
]`

const validationABI = `[
	{"type":"function","name":"getAgentValidations","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"}],"outputs":[{"name":"requestHashes","type":"bytes32[]"}]},
	{"type":"function","name":"getValidationStatus","stateMutability":"view","inputs":[{"name":"requestHash","type":"bytes32"}],"outputs":[{"name":"validatorAddress","type":"address"},{"name":"agentId","type":"uint256"},{"name":"response","type":"uint8"},{"name":"tag","type":"string"},{"name":"lastUpdate","type":"uint256"}]}
]`

// contract binds an ABI to a deployed address.
type contract struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
}

func newContract(caller ContractCaller, address common.Address, abiJSON string) (contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return contract{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return contract{caller: caller, address: address, abi: parsed}, nil
}

func (c contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrContractCall, method, err)
	}
	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrContractCall, method, err)
	}
	return out, nil
}

// IdentityContract reads the identity registry.
type IdentityContract struct {
	c contract
}

var _ IdentityRegistry = (*IdentityContract)(nil)

// NewIdentityContract binds the identity registry at address.
func NewIdentityContract(caller ContractCaller, address common.Address) (*IdentityContract, error) {
	c, err := newContract(caller, address, identityABI)
	if err != nil {
		return nil, err
	}
	return &IdentityContract{c: c}, nil
}

func (ic *IdentityContract) OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error) {
	out, err := ic.c.call(ctx, "ownerOf", agentID)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (ic *IdentityContract) TokenURI(ctx context.Context, agentID *big.Int) (string, error) {
	out, err := ic.c.call(ctx, "tokenURI", agentID)
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (ic *IdentityContract) GetMetadata(ctx context.Context, agentID *big.Int, key string) ([]byte, error) {
	out, err := ic.c.call(ctx, "getMetadata", agentID, key)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]byte)).(*[]byte), nil
}

// ReputationContract reads the reputation registry.
type ReputationContract struct {
	c      contract
	legacy bool
}

var _ ReputationRegistry = (*ReputationContract)(nil)

// ReputationOption configures a ReputationContract.
type ReputationOption func(*ReputationContract)

// WithLegacyTags binds the bytes32-tag, uint8-score registry interface.
func WithLegacyTags() ReputationOption {
	return func(rc *ReputationContract) { rc.legacy = true }
}

// NewReputationContract binds the reputation registry at address.
func NewReputationContract(caller ContractCaller, address common.Address, opts ...ReputationOption) (*ReputationContract, error) {
	rc := &ReputationContract{}
	for _, opt := range opts {
		opt(rc)
	}
	abiJSON := reputationABI
	if rc.legacy {
		abiJSON = legacyReputationABI
	}
	c, err := newContract(caller, address, abiJSON)
	if err != nil {
		return nil, err
	}
	rc.c = c
	return rc, nil
}

func (rc *ReputationContract) GetSummary(ctx context.Context, agentID *big.Int, clients []common.Address, tag1, tag2 fixedpoint.Tag) (ReputationSummary, error) {
	if clients == nil {
		clients = []common.Address{}
	}
	if rc.legacy {
		t1, err := legacyTag(tag1)
		if err != nil {
			return ReputationSummary{}, err
		}
		t2, err := legacyTag(tag2)
		if err != nil {
			return ReputationSummary{}, err
		}
		out, err := rc.c.call(ctx, "getSummary", agentID, clients, t1, t2)
		if err != nil {
			return ReputationSummary{}, err
		}
		score := *abi.ConvertType(out[1], new(uint8)).(*uint8)
		return ReputationSummary{
			Count: *abi.ConvertType(out[0], new(uint64)).(*uint64),
			Value: fixedpoint.NewValue(big.NewInt(int64(score)), 0),
		}, nil
	}

	out, err := rc.c.call(ctx, "getSummary", agentID, clients, string(tag1), string(tag2))
	if err != nil {
		return ReputationSummary{}, err
	}
	return ReputationSummary{
		Count: *abi.ConvertType(out[0], new(uint64)).(*uint64),
		Value: fixedpoint.NewValue(
			abi.ConvertType(out[1], new(big.Int)).(*big.Int),
			*abi.ConvertType(out[2], new(uint8)).(*uint8),
		),
	}, nil
}

func (rc *ReputationContract) GetClients(ctx context.Context, agentID *big.Int) ([]common.Address, error) {
	out, err := rc.c.call(ctx, "getClients", agentID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

func (rc *ReputationContract) GetLastIndex(ctx context.Context, agentID *big.Int, client common.Address) (uint64, error) {
	out, err := rc.c.call(ctx, "getLastIndex", agentID, client)
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint64)).(*uint64), nil
}

func (rc *ReputationContract) ReadFeedback(ctx context.Context, agentID *big.Int, client common.Address, index uint64) (FeedbackEntry, error) {
	out, err := rc.c.call(ctx, "readFeedback", agentID, client, index)
	if err != nil {
		return FeedbackEntry{}, err
	}
	entry := FeedbackEntry{Client: client, Index: index}

	if rc.legacy {
		score := *abi.ConvertType(out[0], new(uint8)).(*uint8)
		entry.Value = fixedpoint.NewValue(big.NewInt(int64(score)), 0)
		entry.Tag1 = fixedpoint.TagFromBytes32(*abi.ConvertType(out[1], new([32]byte)).(*[32]byte))
		entry.Tag2 = fixedpoint.TagFromBytes32(*abi.ConvertType(out[2], new([32]byte)).(*[32]byte))
		entry.Revoked = *abi.ConvertType(out[3], new(bool)).(*bool)
		return entry, nil
	}

	entry.Value = fixedpoint.NewValue(
		abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		*abi.ConvertType(out[1], new(uint8)).(*uint8),
	)
	entry.Tag1 = fixedpoint.Tag(*abi.ConvertType(out[2], new(string)).(*string))
	entry.Tag2 = fixedpoint.Tag(*abi.ConvertType(out[3], new(string)).(*string))
	entry.Revoked = *abi.ConvertType(out[4], new(bool)).(*bool)
	return entry, nil
}

func legacyTag(t fixedpoint.Tag) ([32]byte, error) {
	b, ok := t.Bytes32()
	if !ok {
		return b, fmt.Errorf("agentregistry: tag %q does not fit bytes32", t)
	}
	return b, nil
}

// ValidationContract reads the validation registry.
type ValidationContract struct {
	c contract
}

var _ ValidationRegistry = (*ValidationContract)(nil)

// NewValidationContract binds the validation registry at address.
func NewValidationContract(caller ContractCaller, address common.Address) (*ValidationContract, error) {
	c, err := newContract(caller, address, validationABI)
	if err != nil {
		return nil, err
	}
	return &ValidationContract{c: c}, nil
}

func (vc *ValidationContract) GetAgentValidations(ctx context.Context, agentID *big.Int) ([]common.Hash, error) {
	out, err := vc.c.call(ctx, "getAgentValidations", agentID)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	hashes := make([]common.Hash, len(raw))
	for i, h := range raw {
		hashes[i] = common.Hash(h)
	}
	return hashes, nil
}

func (vc *ValidationContract) GetValidationStatus(ctx context.Context, requestHash common.Hash) (ValidationStatus, error) {
	out, err := vc.c.call(ctx, "getValidationStatus", [32]byte(requestHash))
	if err != nil {
		return ValidationStatus{}, err
	}
	status := ValidationStatus{
		RequestHash: requestHash,
		Validator:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Response:    *abi.ConvertType(out[2], new(uint8)).(*uint8),
		Tag:         fixedpoint.Tag(*abi.ConvertType(out[3], new(string)).(*string)),
	}
	if ts := abi.ConvertType(out[4], new(big.Int)).(*big.Int); ts.Sign() > 0 && ts.IsInt64() {
		status.LastUpdate = time.Unix(ts.Int64(), 0).UTC()
	}
	return status, nil
}
