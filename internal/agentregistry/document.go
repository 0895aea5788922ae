package agentregistry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/security"
)

const (
	DefaultIPFSGateway    = "https://ipfs.io"
	DefaultArweaveGateway = "https://arweave.net"

	maxDocumentSize = 1 << 20
)

// DocumentFetcher dereferences ipfs://, ar://, data: and http(s) URIs.
type DocumentFetcher struct {
	http    *http.Client
	ipfs    string
	arweave string
	guard   func(ctx context.Context, rawURL string) error
}

// FetcherOption configures a DocumentFetcher.
type FetcherOption func(*DocumentFetcher)

// WithGateways overrides the IPFS and Arweave HTTP gateways. Empty values
// keep the defaults.
func WithGateways(ipfs, arweave string) FetcherOption {
	return func(f *DocumentFetcher) {
		if ipfs != "" {
			f.ipfs = strings.TrimRight(ipfs, "/")
		}
		if arweave != "" {
			f.arweave = strings.TrimRight(arweave, "/")
		}
	}
}

// WithFetcherHTTPClient sets the HTTP client used for remote documents.
func WithFetcherHTTPClient(hc *http.Client) FetcherOption {
	return func(f *DocumentFetcher) { f.http = hc }
}

// WithURLGuard replaces the check applied to http(s) token URIs before
// they are fetched. Gateways are trusted and never checked. A nil guard
// allows every URL.
func WithURLGuard(guard func(ctx context.Context, rawURL string) error) FetcherOption {
	return func(f *DocumentFetcher) { f.guard = guard }
}

// NewDocumentFetcher creates a fetcher with public gateways that refuses
// http(s) URIs pointing at non-public hosts.
func NewDocumentFetcher(opts ...FetcherOption) *DocumentFetcher {
	f := &DocumentFetcher{
		http:    &http.Client{Timeout: 15 * time.Second},
		ipfs:    DefaultIPFSGateway,
		arweave: DefaultArweaveGateway,
		guard:   security.CheckPublicURL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the raw document behind uri.
func (f *DocumentFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(uri, "data:"):
		return decodeDataURI(uri)
	case strings.HasPrefix(uri, "ipfs://"):
		path := strings.TrimPrefix(uri, "ipfs://")
		path = strings.TrimPrefix(path, "ipfs/")
		return f.get(ctx, f.ipfs+"/ipfs/"+path)
	case strings.HasPrefix(uri, "ar://"):
		return f.get(ctx, f.arweave+"/"+strings.TrimPrefix(uri, "ar://"))
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		if f.guard != nil {
			if err := f.guard(ctx, uri); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnsupportedURI, err)
			}
		}
		return f.get(ctx, uri)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURI, truncateURI(uri))
	}
}

func (f *DocumentFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch registration document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration document returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration document: %w", err)
	}
	if len(body) > maxDocumentSize {
		return nil, ErrDocumentTooLarge
	}
	return body, nil
}

// decodeDataURI handles "data:[<mediatype>][;base64],<data>".
func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URI", ErrInvalidDocument)
	}
	if strings.HasSuffix(header, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return b, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return []byte(s), nil
}

func truncateURI(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

type registrationDoc struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Image       string     `json:"image"`
	Endpoints   []Endpoint `json:"endpoints"`
	Services    []Endpoint `json:"services"`
}

// ParseRegistration decodes a registration document. Wallets are taken
// from CAIP-10 account endpoints.
func ParseRegistration(raw []byte) (Registration, error) {
	var doc registrationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Registration{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	reg := Registration{
		Name:        strings.TrimSpace(doc.Name),
		Description: doc.Description,
		Image:       doc.Image,
		Endpoints:   append(doc.Endpoints, doc.Services...),
		Wallets:     make(map[chain.Chain]string),
	}
	for _, ep := range reg.Endpoints {
		if c, addr, ok := chain.FromCAIP10(ep.Endpoint); ok {
			addWallet(reg.Wallets, c, addr)
		}
	}
	return reg, nil
}

// addWallet records the first wallet seen for c.
func addWallet(wallets map[chain.Chain]string, c chain.Chain, addr string) {
	if _, ok := wallets[c]; !ok && addr != "" {
		wallets[c] = addr
	}
}

// parseWallet accepts a CAIP-10 id, a bare address of either chain, or a
// raw 20-byte EVM address.
func parseWallet(raw []byte) (chain.Chain, string, bool) {
	if len(raw) == 20 {
		return chain.Base, fmt.Sprintf("0x%x", raw), true
	}
	s := strings.TrimSpace(string(raw))
	if c, addr, ok := chain.FromCAIP10(s); ok {
		return c, addr, true
	}
	c, err := chain.Detect(s)
	if err != nil {
		return "", "", false
	}
	addr, err := c.Normalize(s)
	if err != nil {
		return "", "", false
	}
	return c, addr, true
}
