package metricsapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentscore/internal/retry"
)

const testAgent = "0x1111111111111111111111111111111111111111"

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
}

type fakeAPI struct {
	srv   *httptest.Server
	calls atomic.Int32
}

// newFakeAPI serves the metrics and transactions routes, answering with
// statuses[i] on the i-th call (the last status repeats).
func newFakeAPI(t *testing.T, statuses ...int) *fakeAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fakeAPI{}
	status := func() int {
		n := int(f.calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		return statuses[n]
	}

	r := gin.New()
	r.GET("/v1/agents/:address/metrics", func(c *gin.Context) {
		code := status()
		if code != http.StatusOK {
			c.JSON(code, gin.H{"error": http.StatusText(code)})
			return
		}
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transactionCount":   42,
			"totalVolumeUsd":     1250.5,
			"averageVolumeUsd":   29.77,
			"uniqueBuyers":       9,
			"repeatBuyerRate":    0.4,
			"firstTransactionAt": "2025-01-02T03:04:05Z",
			"lastTransactionAt":  "2025-06-01T00:00:00Z",
			"last7Days":          gin.H{"count": 3, "volumeUsd": 12.5},
			"last30Days":         gin.H{"count": 10, "volumeUsd": 80},
			"chainEcho":          c.Query("chain"),
		})
	})
	r.GET("/v1/agents/:address/transactions", func(c *gin.Context) {
		code := status()
		if code != http.StatusOK {
			c.JSON(code, gin.H{"error": http.StatusText(code)})
			return
		}
		next := "page-2"
		if c.Query("cursor") == "page-2" {
			next = ""
		}
		c.JSON(http.StatusOK, gin.H{
			"transactions": []gin.H{{
				"hash":      "0xabc",
				"from":      "0x2222222222222222222222222222222222222222",
				"to":        c.Param("address"),
				"amountUsd": 5.25,
				"timestamp": "2025-06-01T00:00:00Z",
			}},
			"nextCursor": next,
		})
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(t *testing.T, f *fakeAPI, ts *TokenSource) *Client {
	t.Helper()
	c, err := New(f.srv.URL, ts, WithRetryPolicy(fastPolicy()), WithHTTPClient(f.srv.Client()))
	require.NoError(t, err)
	return c
}

func TestGetMetrics_Success(t *testing.T) {
	f := newFakeAPI(t, http.StatusOK)
	ts := NewTokenSource("keys/test", testKey(t))
	c := newTestClient(t, f, ts)

	m, err := c.GetMetrics(context.Background(), testAgent, "base")
	require.NoError(t, err)

	assert.Equal(t, 42, m.TransactionCount)
	assert.InDelta(t, 1250.5, m.TotalVolumeUSD, 1e-9)
	assert.Equal(t, 9, m.UniqueBuyers)
	require.NotNil(t, m.FirstTransactionAt)
	assert.Equal(t, 2025, m.FirstTransactionAt.Year())
	assert.Equal(t, 3, m.Last7Days.Count)
	assert.InDelta(t, 80.0, m.Last30Days.VolumeUSD, 1e-9)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGetMetrics_RetriesThrottling(t *testing.T) {
	f := newFakeAPI(t, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK)
	c := newTestClient(t, f, NewTokenSource("keys/test", testKey(t)))

	m, err := c.GetMetrics(context.Background(), testAgent, "base")
	require.NoError(t, err)
	assert.Equal(t, 42, m.TransactionCount)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestGetMetrics_ServerErrorExhaustsAttempts(t *testing.T) {
	f := newFakeAPI(t, http.StatusServiceUnavailable)
	c := newTestClient(t, f, NewTokenSource("keys/test", testKey(t)))

	_, err := c.GetMetrics(context.Background(), testAgent, "base")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestGetMetrics_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			f := newFakeAPI(t, tt.code)
			c := newTestClient(t, f, NewTokenSource("keys/test", testKey(t)))

			_, err := c.GetMetrics(context.Background(), testAgent, "base")
			assert.ErrorIs(t, err, tt.want)
			var pe *retry.PermanentError
			assert.False(t, errors.As(err, &pe), "permanent marker is unwrapped")
			assert.Equal(t, int32(1), f.calls.Load())
		})
	}
}

func TestGetMetrics_UnauthorizedPurgesTokens(t *testing.T) {
	f := newFakeAPI(t, http.StatusUnauthorized)
	ts := NewTokenSource("keys/test", testKey(t))
	c := newTestClient(t, f, ts)

	_, err := c.GetMetrics(context.Background(), testAgent, "base")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 0, ts.Cached())
}

func TestGetMetrics_MalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/agents/:address/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, "{not json")
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, err := New(srv.URL, NewTokenSource("keys/test", testKey(t)), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	_, err = c.GetMetrics(context.Background(), testAgent, "base")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestGetMetrics_Unreachable(t *testing.T) {
	c, err := New("http://127.0.0.1:1", NewTokenSource("keys/test", testKey(t)), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	_, err = c.GetMetrics(context.Background(), testAgent, "base")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetTransactions_Paging(t *testing.T) {
	f := newFakeAPI(t, http.StatusOK)
	c := newTestClient(t, f, NewTokenSource("keys/test", testKey(t)))

	page, err := c.GetTransactions(context.Background(), testAgent, "base", 50, "")
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "page-2", page.NextCursor)
	assert.Equal(t, testAgent, page.Transactions[0].To)
	assert.InDelta(t, 5.25, page.Transactions[0].AmountUSD, 1e-9)

	page, err = c.GetTransactions(context.Background(), testAgent, "base", 50, page.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, page.NextCursor)
}

func TestNew_Validation(t *testing.T) {
	ts := NewTokenSource("k", testKey(t))

	_, err := New("not a url", ts)
	assert.Error(t, err)

	_, err = New("https://api.example.com", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestStatusError(t *testing.T) {
	assert.True(t, (&StatusError{Code: 429}).Retryable())
	assert.True(t, (&StatusError{Code: 502}).Retryable())
	assert.False(t, (&StatusError{Code: 401}).Retryable())
	assert.False(t, (&StatusError{Code: 418}).Retryable())

	assert.Equal(t, "auth", (&StatusError{Code: 401}).Class())
	assert.Equal(t, "auth", (&StatusError{Code: 403}).Class())
	assert.Equal(t, "throttled", (&StatusError{Code: 429}).Class())
	assert.Equal(t, "server", (&StatusError{Code: 504}).Class())
	assert.Equal(t, "bad-request", (&StatusError{Code: 404}).Class())

	assert.ErrorIs(t, &StatusError{Code: 418}, ErrBadRequest)
	assert.Contains(t, (&StatusError{Endpoint: "metrics", Code: 500, Body: "boom"}).Error(), "boom")
}

func TestTokenSource_ClaimsAndSignature(t *testing.T) {
	key := testKey(t)
	now := time.Unix(1_700_000_000, 0)
	ts := NewTokenSource("keys/test", key, WithTokenClock(func() time.Time { return now }))

	raw, err := ts.Token(http.MethodGet, "api.example.com", "/v1/agents/x/metrics")
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "keys/test", claims["sub"])
	assert.Equal(t, "agentscore", claims["iss"])
	assert.Equal(t, "GET api.example.com/v1/agents/x/metrics", claims["uri"])
	assert.InDelta(t, float64(now.Unix()), claims["nbf"], 0)
	assert.InDelta(t, float64(now.Add(TokenLifetime).Unix()), claims["exp"], 0)
	assert.Equal(t, "keys/test", parsed.Header["kid"])
	assert.NotEmpty(t, parsed.Header["nonce"])
}

func TestTokenSource_CacheBoundedByExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := NewTokenSource("k", testKey(t), WithTokenClock(func() time.Time { return now }))

	first, err := ts.Token("GET", "h", "/p")
	require.NoError(t, err)
	again, err := ts.Token("GET", "h", "/p")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := ts.Token("GET", "h", "/other")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, ts.Cached())

	now = now.Add(TokenLifetime)
	renewed, err := ts.Token("GET", "h", "/p")
	require.NoError(t, err)
	assert.NotEqual(t, first, renewed)

	ts.Purge()
	assert.Equal(t, 0, ts.Cached())
}

func TestTokenSource_NilKey(t *testing.T) {
	ts := NewTokenSource("k", nil)
	_, err := ts.Token("GET", "h", "/p")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParsePrivateKey(t *testing.T) {
	_, err := ParsePrivateKey("garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
