// Package agentregistry resolves an agent's registry identity, peer
// reputation and third-party validations.
//
// Lookups are best effort: an address with no identity yields an empty
// Profile, and a failing sub-lookup (registration document, reputation or
// validation) leaves its part at defaults without aborting the others.
package agentregistry

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/fixedpoint"
)

var (
	ErrNotRegistered    = errors.New("agentregistry: address has no registry identity")
	ErrIndexer          = errors.New("agentregistry: indexer query failed")
	ErrUnsupportedURI   = errors.New("agentregistry: unsupported document URI")
	ErrDocumentTooLarge = errors.New("agentregistry: registration document too large")
	ErrInvalidDocument  = errors.New("agentregistry: invalid registration document")
	ErrContractCall     = errors.New("agentregistry: contract call failed")
)

// PassThreshold is the lowest validation response counted as passed.
// It is a scoring policy, not a registry constant.
const PassThreshold = 70

// Identity is an agent's registry token.
type Identity struct {
	AgentID  *big.Int `json:"agentId"`
	Owner    string   `json:"owner"`
	TokenURI string   `json:"tokenUri,omitempty"`
}

// Endpoint is one advertised service or account of a registration document.
type Endpoint struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Version  string `json:"version,omitempty"`
}

// Registration is the dereferenced registration document plus every wallet
// linked to the identity.
type Registration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Image       string                 `json:"image,omitempty"`
	Endpoints   []Endpoint             `json:"endpoints,omitempty"`
	Wallets     map[chain.Chain]string `json:"wallets,omitempty"`
}

// ReputationSummary is the registry's aggregate over a set of clients.
type ReputationSummary struct {
	Count uint64
	Value fixedpoint.Value
}

// FeedbackEntry is one itemized feedback record.
type FeedbackEntry struct {
	Client  common.Address
	Index   uint64
	Value   fixedpoint.Value
	Tag1    fixedpoint.Tag
	Tag2    fixedpoint.Tag
	Revoked bool
}

// Reputation is the resolved peer feedback of an agent.
type Reputation struct {
	Count   int                `json:"count"`
	Average float64            `json:"average"` // 0..100
	ByTag   map[string]float64 `json:"byTag,omitempty"`
	Display map[string]string  `json:"display,omitempty"` // ByTag formatted per tag kind
}

// ValidationStatus is one validator response.
type ValidationStatus struct {
	RequestHash common.Hash
	Validator   common.Address
	Response    uint8
	Tag         fixedpoint.Tag
	LastUpdate  time.Time // zero while no response has been recorded
}

// Responded reports whether the validator has answered.
func (v ValidationStatus) Responded() bool {
	return !v.LastUpdate.IsZero()
}

// Passed applies PassThreshold.
func (v ValidationStatus) Passed() bool {
	return v.Response >= PassThreshold
}

// Validations are counted validator responses.
type Validations struct {
	Count  int `json:"count"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Profile is everything the registries know about an address.
type Profile struct {
	Identity     *Identity    `json:"identity,omitempty"`
	Registration Registration `json:"registration"`
	Reputation   Reputation   `json:"reputation"`
	Validations  Validations  `json:"validations"`
}

// Found reports whether the address has a registry identity.
func (p Profile) Found() bool {
	return p.Identity != nil && p.Identity.AgentID != nil
}

// Wallet returns the linked wallet on c, if any.
func (p Profile) Wallet(c chain.Chain) string {
	return p.Registration.Wallets[c]
}

// Indexer answers reverse and forward identity lookups.
type Indexer interface {
	// AgentIDByOwner returns ErrNotRegistered when owner has no identity.
	AgentIDByOwner(ctx context.Context, owner string) (*big.Int, error)
	LinkedWallets(ctx context.Context, agentID *big.Int) ([]string, error)
}

// IdentityRegistry reads identity tokens.
type IdentityRegistry interface {
	OwnerOf(ctx context.Context, agentID *big.Int) (common.Address, error)
	TokenURI(ctx context.Context, agentID *big.Int) (string, error)
	GetMetadata(ctx context.Context, agentID *big.Int, key string) ([]byte, error)
}

// ReputationRegistry reads peer feedback.
type ReputationRegistry interface {
	GetSummary(ctx context.Context, agentID *big.Int, clients []common.Address, tag1, tag2 fixedpoint.Tag) (ReputationSummary, error)
	GetClients(ctx context.Context, agentID *big.Int) ([]common.Address, error)
	GetLastIndex(ctx context.Context, agentID *big.Int, client common.Address) (uint64, error)
	ReadFeedback(ctx context.Context, agentID *big.Int, client common.Address, index uint64) (FeedbackEntry, error)
}

// ValidationRegistry reads validator attestations.
type ValidationRegistry interface {
	GetAgentValidations(ctx context.Context, agentID *big.Int) ([]common.Hash, error)
	GetValidationStatus(ctx context.Context, requestHash common.Hash) (ValidationStatus, error)
}

// DocumentSource dereferences a registration document URI.
type DocumentSource interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}
