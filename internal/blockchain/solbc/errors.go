package solbc

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPCErrorClass groups node errors by how the caller should react.
type RPCErrorClass int

const (
	RPCErrorOther RPCErrorClass = iota
	RPCErrorInsufficientFunds
	RPCErrorBlockhashExpired
	RPCErrorNodeUnhealthy
	RPCErrorSimulationFailed
)

// Codes returned by Solana validators for sendTransaction.
const (
	codeBlockhashNotFound = -32002 // preflight failure carries the reason in data/message
	codeNodeUnhealthy     = -32005
)

// ClassifyRPCError inspects a jsonrpc.RPCError and its simulation logs.
func ClassifyRPCError(err error) RPCErrorClass {
	if err == nil {
		return RPCErrorOther
	}

	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return classifyMessage(strings.ToLower(err.Error()))
	}

	if rpcErr.Code == codeNodeUnhealthy {
		return RPCErrorNodeUnhealthy
	}

	text := strings.ToLower(rpcErr.Message)
	if data, ok := rpcErr.Data.(map[string]interface{}); ok {
		if logs, ok := data["logs"].([]interface{}); ok {
			for _, entry := range logs {
				if s, ok := entry.(string); ok {
					text += "\n" + strings.ToLower(s)
				}
			}
		}
		if e, ok := data["err"]; ok && e != nil {
			if s, ok := e.(string); ok {
				text += "\n" + strings.ToLower(s)
			}
		}
	}

	if class := classifyMessage(text); class != RPCErrorOther {
		return class
	}
	if rpcErr.Code == codeBlockhashNotFound || strings.Contains(text, "transaction simulation failed") {
		return RPCErrorSimulationFailed
	}
	return RPCErrorOther
}

func classifyMessage(text string) RPCErrorClass {
	switch {
	case strings.Contains(text, "insufficient lamports"),
		strings.Contains(text, "insufficient funds"),
		strings.Contains(text, "insufficientfundsforrent"),
		strings.Contains(text, "custom program error: 0x1\n"),
		strings.HasSuffix(text, "custom program error: 0x1"):
		return RPCErrorInsufficientFunds
	case strings.Contains(text, "blockhash not found"),
		strings.Contains(text, "blockhashnotfound"),
		strings.Contains(text, "block height exceeded"):
		return RPCErrorBlockhashExpired
	case strings.Contains(text, "node is unhealthy"),
		strings.Contains(text, "node is behind"):
		return RPCErrorNodeUnhealthy
	}
	return RPCErrorOther
}
