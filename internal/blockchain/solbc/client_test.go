package solbc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeNode отвечает на JSON-RPC запросы заранее заданными result'ами.
func fakeNode(t *testing.T, results map[string]func(call int) string) *httptest.Server {
	t.Helper()
	calls := map[string]*int32{}
	for method := range results {
		calls[method] = new(int32)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		fn, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		n := atomic.AddInt32(calls[req.Method], 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + fn(int(n)) + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func statusResult(status string, failed bool) string {
	errField := "null"
	if failed {
		errField = `{"InstructionError":[0,{"Custom":1}]}`
	}
	return `{"context":{"slot":10},"value":[{"slot":9,"confirmations":null,"err":` + errField +
		`,"confirmationStatus":"` + status + `"}]}`
}

func TestSignatureStatus(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   TxState
	}{
		{"finalized", statusResult("finalized", false), TxFinalized},
		{"confirmed", statusResult("confirmed", false), TxConfirmed},
		{"processed is pending", statusResult("processed", false), TxPending},
		{"failed", statusResult("confirmed", true), TxFailed},
		{"unknown signature", `{"context":{"slot":10},"value":[null]}`, TxUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeNode(t, map[string]func(int) string{
				"getSignatureStatuses": func(int) string { return tt.result },
			})
			client := NewClient(srv.URL, nil, zaptest.NewLogger(t))

			status, err := client.SignatureStatus(context.Background(), solana.Signature{1}, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.State)
		})
	}
}

func TestAwaitConfirmation(t *testing.T) {
	srv := fakeNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(call int) string {
			if call < 3 {
				return statusResult("processed", false)
			}
			return statusResult("confirmed", false)
		},
	})
	client := NewClient(srv.URL, nil, zaptest.NewLogger(t))

	status, err := client.AwaitConfirmation(context.Background(), solana.Signature{2}, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, status.Landed())
}

func TestAwaitConfirmationTimeout(t *testing.T) {
	srv := fakeNode(t, map[string]func(int) string{
		"getSignatureStatuses": func(int) string { return `{"context":{"slot":10},"value":[null]}` },
	})
	client := NewClient(srv.URL, nil, zaptest.NewLogger(t))

	status, err := client.AwaitConfirmation(context.Background(), solana.Signature{3}, 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, TxUnknown, status.State)
}

func TestMintSupply(t *testing.T) {
	srv := fakeNode(t, map[string]func(int) string{
		"getTokenSupply": func(int) string {
			return `{"context":{"slot":1},"value":{"amount":"1000000000000","decimals":6,"uiAmount":1000000,"uiAmountString":"1000000"}}`
		},
	})
	client := NewClient(srv.URL, nil, zaptest.NewLogger(t))

	supply, decimals, err := client.MintSupply(context.Background(), solana.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)
	assert.InDelta(t, 1_000_000, supply, 1e-9)
}

type countingPacer struct{ n int32 }

func (p *countingPacer) Wait(context.Context) error {
	atomic.AddInt32(&p.n, 1)
	return nil
}

func TestClientUsesPacer(t *testing.T) {
	srv := fakeNode(t, map[string]func(int) string{
		"getBalance": func(int) string { return `{"context":{"slot":1},"value":42}` },
	})
	pacer := &countingPacer{}
	client := NewClient(srv.URL, pacer, zaptest.NewLogger(t))

	bal, err := client.GetBalance(context.Background(), solana.SystemProgramID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pacer.n))
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RPCErrorClass
	}{
		{"nil", nil, RPCErrorOther},
		{
			"insufficient lamports in logs",
			&jsonrpc.RPCError{
				Code:    -32002,
				Message: "Transaction simulation failed: Error processing Instruction 2",
				Data: map[string]interface{}{
					"logs": []interface{}{"Program log: Transfer: insufficient lamports 100, need 200"},
				},
			},
			RPCErrorInsufficientFunds,
		},
		{
			"blockhash not found",
			&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"},
			RPCErrorBlockhashExpired,
		},
		{
			"node unhealthy",
			&jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 42 slots"},
			RPCErrorNodeUnhealthy,
		},
		{
			"other simulation failure",
			&jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: custom program error: 0x1771"},
			RPCErrorSimulationFailed,
		},
		{"plain error", assert.AnError, RPCErrorOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
		})
	}
}

func TestParsedTransactionDeltas(t *testing.T) {
	tx := &ParsedTransaction{
		AccountKeys:  []string{"wallet", "pool", "mintAta"},
		PreBalances:  []uint64{5_000_000_000, 100, 0},
		PostBalances: []uint64{4_000_000_000, 100, 0},
		PreTokenBalances: []TokenBalance{
			{AccountIndex: 2, Owner: "wallet", Mint: "mintA", Amount: 0, Decimals: 6},
			{AccountIndex: 1, Owner: "pool", Mint: "mintA", Amount: 9_000_000, Decimals: 6},
		},
		PostTokenBalances: []TokenBalance{
			{AccountIndex: 2, Owner: "wallet", Mint: "mintA", Amount: 2_500_000, Decimals: 6},
			{AccountIndex: 1, Owner: "pool", Mint: "mintA", Amount: 6_500_000, Decimals: 6},
		},
	}

	assert.Equal(t, int64(-1_000_000_000), tx.SOLDelta("wallet"))
	assert.Zero(t, tx.SOLDelta("missing"))

	deltas := tx.TokenDeltas("wallet")
	require.Len(t, deltas, 1)
	assert.InDelta(t, 2.5, deltas["mintA"].UI(), 1e-9)
}
