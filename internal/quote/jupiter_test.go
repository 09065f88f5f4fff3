package quote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const mint = "TokenMint1111111111111111111111111111111111"

const quoteJSON = `{
  "inputMint":"So11111111111111111111111111111111111111112",
  "inAmount":"100000000",
  "outputMint":"` + mint + `",
  "outAmount":"4950000",
  "otherAmountThreshold":"4900000",
  "swapMode":"ExactIn",
  "slippageBps":50,
  "priceImpactPct":"0.012",
  "routePlan":[]
}`

func newRouter(t *testing.T, handler http.HandlerFunc, ttl time.Duration) *Router {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRouter(Config{BaseURL: srv.URL, QuoteTTL: ttl}, nil, nil, zaptest.NewLogger(t))
}

func TestAmountConversion(t *testing.T) {
	assert.Equal(t, uint64(100_000_000), Lamports(0.1))
	assert.Equal(t, uint64(1_234_567), ToRaw(1.23456789, 6))
	assert.Equal(t, uint64(0), ToRaw(-1, 6))
	assert.InDelta(t, 4.95, FromRaw(4_950_000, 6), 1e-12)
	assert.Equal(t, 50, SlippageBps(0.5))
	assert.Equal(t, 500, SlippageBps(5))
}

func TestAmountConversionBeyondInt64(t *testing.T) {
	// 1e19 base units: above int64, inside u64
	assert.Equal(t, uint64(10_000_000_000_000_000_000), ToRaw(10_000_000_000, 9))
	assert.Equal(t, uint64(math.MaxUint64), ToRaw(1e13, 9))
	assert.Equal(t, uint64(math.MaxUint64), ToRaw(math.Inf(1), 6))
	assert.Equal(t, uint64(0), ToRaw(math.NaN(), 6))

	assert.InDelta(t, 1.8446744073709552e13, FromRaw(math.MaxUint64, 6), 1)
	assert.Greater(t, FromRaw(1<<63, 9), 0.0)
}

func TestQuote(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/quote", req.URL.Path)
		q := req.URL.Query()
		assert.Equal(t, SOLMint, q.Get("inputMint"))
		assert.Equal(t, mint, q.Get("outputMint"))
		assert.Equal(t, "100000000", q.Get("amount"))
		assert.Equal(t, "50", q.Get("slippageBps"))
		_, _ = w.Write([]byte(quoteJSON))
	}, time.Minute)

	q, err := r.Quote(context.Background(), SOLMint, mint, 100_000_000, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), q.InAmount)
	assert.Equal(t, uint64(4_950_000), q.OutAmount)
	assert.Equal(t, uint64(4_900_000), q.OtherAmountThreshold)
	assert.InDelta(t, 1.2, q.PriceImpactPct, 1e-9)
}

func TestQuoteNoRoute(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	}, time.Minute)

	_, err := r.Quote(context.Background(), SOLMint, mint, 1, 50)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestQuoteServerError(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, time.Minute)

	_, err := r.Quote(context.Background(), SOLMint, mint, 1, 50)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestQuoteZeroAmount(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("no request expected")
	}, time.Minute)

	_, err := r.Quote(context.Background(), SOLMint, mint, 0, 50)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
}

func unsignedTx(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
		}, []byte{2, 0, 0, 0})},
		solana.Hash{7},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBuildSwapTransaction(t *testing.T) {
	owner := solana.NewWallet().PublicKey()

	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(quoteJSON))
		case "/swap":
			body, _ := io.ReadAll(req.Body)
			var payload map[string]json.RawMessage
			assert.NoError(t, json.Unmarshal(body, &payload))
			assert.JSONEq(t, `"`+owner.String()+`"`, string(payload["userPublicKey"]))
			assert.JSONEq(t, quoteJSON, string(payload["quoteResponse"]))

			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"swapTransaction":      unsignedTx(t, owner),
				"lastValidBlockHeight": 100,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, time.Minute)

	q, err := r.Quote(context.Background(), SOLMint, mint, 100_000_000, 50)
	require.NoError(t, err)

	tx, err := r.BuildSwapTransaction(context.Background(), q, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, tx.Message.AccountKeys[0])
	assert.Equal(t, solana.Hash{7}, tx.Message.RecentBlockhash)
}

func TestBuildSwapTransactionStaleQuote(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(quoteJSON))
	}, time.Second)

	q, err := r.Quote(context.Background(), SOLMint, mint, 100_000_000, 50)
	require.NoError(t, err)

	r.now = func() time.Time { return q.FetchedAt.Add(2 * time.Second) }
	_, err = r.BuildSwapTransaction(context.Background(), q, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrStaleQuote)
}
