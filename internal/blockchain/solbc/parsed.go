package solbc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// TokenBalance is one pre/post token balance entry of a transaction.
type TokenBalance struct {
	AccountIndex int
	Owner        string
	Mint         string
	Amount       uint64
	Decimals     uint8
}

// ParsedTransaction is the subset of a confirmed transaction needed to work
// out what a wallet did: account keys and the SOL and token balance deltas.
type ParsedTransaction struct {
	Signature         string
	Slot              uint64
	BlockTime         time.Time
	Failed            bool
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// GetParsedTransaction fetches a confirmed transaction with its meta.
func (c *Client) GetParsedTransaction(ctx context.Context, sig solana.Signature) (*ParsedTransaction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	maxVersion := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if res == nil || res.Transaction == nil || res.Meta == nil {
		return nil, ErrAccountNotFound
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	out := &ParsedTransaction{
		Signature:    sig.String(),
		Slot:         res.Slot,
		Failed:       res.Meta.Err != nil,
		PreBalances:  res.Meta.PreBalances,
		PostBalances: res.Meta.PostBalances,
	}
	if res.BlockTime != nil {
		out.BlockTime = res.BlockTime.Time()
	}

	// статические ключи, затем загруженные из lookup таблиц: writable, readonly
	for _, key := range tx.Message.AccountKeys {
		out.AccountKeys = append(out.AccountKeys, key.String())
	}
	for _, key := range res.Meta.LoadedAddresses.Writable {
		out.AccountKeys = append(out.AccountKeys, key.String())
	}
	for _, key := range res.Meta.LoadedAddresses.ReadOnly {
		out.AccountKeys = append(out.AccountKeys, key.String())
	}

	out.PreTokenBalances = convertTokenBalances(res.Meta.PreTokenBalances)
	out.PostTokenBalances = convertTokenBalances(res.Meta.PostTokenBalances)
	return out, nil
}

// SignatureInfo is one entry of an address's transaction history.
type SignatureInfo struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// RecentSignatures lists up to limit confirmed signatures involving account,
// newest first.
func (c *Client) RecentSignatures(ctx context.Context, account solana.PublicKey, limit int) ([]SignatureInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", account, err)
	}

	out := make([]SignatureInfo, 0, len(res))
	for _, r := range res {
		if r == nil {
			continue
		}
		info := SignatureInfo{Signature: r.Signature, Slot: r.Slot, Failed: r.Err != nil}
		if r.BlockTime != nil {
			info.BlockTime = r.BlockTime.Time()
		}
		out = append(out, info)
	}
	return out, nil
}

func convertTokenBalances(in []rpc.TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		tb := TokenBalance{
			AccountIndex: int(b.AccountIndex),
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			tb.Decimals = b.UiTokenAmount.Decimals
			if v, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64); err == nil {
				tb.Amount = v
			}
		}
		out = append(out, tb)
	}
	return out
}

// SOLDelta returns the lamport change of the given account, or 0.
func (p *ParsedTransaction) SOLDelta(account string) int64 {
	for i, key := range p.AccountKeys {
		if key != account {
			continue
		}
		if i >= len(p.PreBalances) || i >= len(p.PostBalances) {
			return 0
		}
		return int64(p.PostBalances[i]) - int64(p.PreBalances[i])
	}
	return 0
}

// TokenDeltas returns raw balance changes per mint for accounts owned by owner.
func (p *ParsedTransaction) TokenDeltas(owner string) map[string]TokenDelta {
	deltas := make(map[string]TokenDelta)
	for _, b := range p.PreTokenBalances {
		if b.Owner != owner {
			continue
		}
		d := deltas[b.Mint]
		d.Raw -= int64(b.Amount)
		d.Decimals = b.Decimals
		deltas[b.Mint] = d
	}
	for _, b := range p.PostTokenBalances {
		if b.Owner != owner {
			continue
		}
		d := deltas[b.Mint]
		d.Raw += int64(b.Amount)
		d.Decimals = b.Decimals
		deltas[b.Mint] = d
	}
	for mint, d := range deltas {
		if d.Raw == 0 {
			delete(deltas, mint)
		}
	}
	return deltas
}

// TokenDelta is a raw token balance change with the mint's decimals.
type TokenDelta struct {
	Raw      int64
	Decimals uint8
}

// UI converts the raw delta to whole tokens.
func (d TokenDelta) UI() float64 {
	return float64(d.Raw) / pow10(d.Decimals)
}
