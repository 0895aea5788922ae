package agentregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/agentscore/internal/chain"
)

const agentByOwnerQuery = `query AgentByOwner($owner: String!) {
  agents(first: 1, where: {owner: $owner}, orderBy: agentId, orderDirection: asc) {
    agentId
  }
}`

const linkedWalletsQuery = `query AgentWallets($agentId: String!) {
  agent(id: $agentId) {
    agentWallet
    wallets { address }
  }
}`

// SubgraphIndexer answers identity lookups from a GraphQL indexer.
type SubgraphIndexer struct {
	url  string
	http *http.Client
}

var _ Indexer = (*SubgraphIndexer)(nil)

// NewSubgraphIndexer creates an indexer client for url. A nil hc uses a
// client with a 10s timeout.
func NewSubgraphIndexer(url string, hc *http.Client) *SubgraphIndexer {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &SubgraphIndexer{url: url, http: hc}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// AgentIDByOwner returns the lowest agent id owned by owner.
func (s *SubgraphIndexer) AgentIDByOwner(ctx context.Context, owner string) (*big.Int, error) {
	var data struct {
		Agents []struct {
			AgentID string `json:"agentId"`
		} `json:"agents"`
	}
	if err := s.query(ctx, agentByOwnerQuery, map[string]any{"owner": normalizeOwner(owner)}, &data); err != nil {
		return nil, err
	}
	if len(data.Agents) == 0 {
		return nil, ErrNotRegistered
	}
	id, ok := new(big.Int).SetString(data.Agents[0].AgentID, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed agentId %q", ErrIndexer, data.Agents[0].AgentID)
	}
	return id, nil
}

// normalizeOwner lowercases EVM owners to match the subgraph's stored form.
// Solana owners are base58 and case-sensitive, so they are only trimmed.
func normalizeOwner(owner string) string {
	c, err := chain.Detect(strings.TrimSpace(owner))
	if err != nil {
		return strings.ToLower(owner)
	}
	n, _ := c.Normalize(owner)
	return n
}

// LinkedWallets returns every wallet the indexer associates with agentID.
func (s *SubgraphIndexer) LinkedWallets(ctx context.Context, agentID *big.Int) ([]string, error) {
	var data struct {
		Agent *struct {
			AgentWallet string `json:"agentWallet"`
			Wallets     []struct {
				Address string `json:"address"`
			} `json:"wallets"`
		} `json:"agent"`
	}
	if err := s.query(ctx, linkedWalletsQuery, map[string]any{"agentId": agentID.String()}, &data); err != nil {
		return nil, err
	}
	if data.Agent == nil {
		return nil, nil
	}
	var out []string
	if data.Agent.AgentWallet != "" {
		out = append(out, data.Agent.AgentWallet)
	}
	for _, w := range data.Agent.Wallets {
		if w.Address != "" {
			out = append(out, w.Address)
		}
	}
	return out, nil
}

const indexedBlockQuery = `{ _meta { block { number } } }`

// IndexedBlock returns the latest block the subgraph has indexed.
func (s *SubgraphIndexer) IndexedBlock(ctx context.Context) (uint64, error) {
	var data struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := s.query(ctx, indexedBlockQuery, nil, &data); err != nil {
		return 0, err
	}
	return data.Meta.Block.Number, nil
}

func (s *SubgraphIndexer) query(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexer, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexer, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexer, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrIndexer, resp.StatusCode)
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrIndexer, err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrIndexer, gr.Errors[0].Message)
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("%w: empty response", ErrIndexer)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrIndexer, err)
	}
	return nil
}
