package chainfeed

import (
	"math"

	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

const (
	lamportsPerSOL = 1_000_000_000
	wrappedSOLMint = "So11111111111111111111111111111111111111112"
)

// TradeParser turns a wallet's confirmed transaction into an activity.
// ok is false when the transaction is not something the parser recognizes.
type TradeParser interface {
	Parse(tx *solbc.ParsedTransaction, wallet string) (activity domain.WalletActivity, ok bool)
}

// ParserByName returns the parser configured under name ("transfer" when empty).
func ParserByName(name string) (TradeParser, bool) {
	switch name {
	case "", "transfer":
		return TransferParser{}, true
	case "balance_delta":
		return BalanceDeltaParser{}, true
	}
	return nil, false
}

// TransferParser recognizes plain SOL movements: the wallet's lamport balance
// changed and no token balance did. Such activity is reported as a transfer.
type TransferParser struct{}

func (TransferParser) Parse(tx *solbc.ParsedTransaction, wallet string) (domain.WalletActivity, bool) {
	if tx == nil || tx.Failed {
		return domain.WalletActivity{}, false
	}
	if len(tx.TokenDeltas(wallet)) > 0 {
		return domain.WalletActivity{}, false
	}
	delta := tx.SOLDelta(wallet)
	if delta == 0 {
		return domain.WalletActivity{}, false
	}
	return domain.WalletActivity{
		Type:       domain.ActivityTransfer,
		Wallet:     wallet,
		Signature:  tx.Signature,
		SolAmount:  lamportsToSOL(delta),
		ObservedAt: tx.BlockTime,
	}, true
}

// BalanceDeltaParser infers swaps from balance changes: SOL out and one token
// in is a buy, token out and SOL in is a sell. Wrapped SOL counts as SOL.
// Transactions touching more than one non-SOL mint are not recognized.
type BalanceDeltaParser struct{}

func (BalanceDeltaParser) Parse(tx *solbc.ParsedTransaction, wallet string) (domain.WalletActivity, bool) {
	if tx == nil || tx.Failed {
		return domain.WalletActivity{}, false
	}

	solRaw := tx.SOLDelta(wallet)
	var (
		mint  string
		token solbc.TokenDelta
		count int
	)
	for m, d := range tx.TokenDeltas(wallet) {
		if m == wrappedSOLMint {
			solRaw += d.Raw
			continue
		}
		mint, token = m, d
		count++
	}
	if count != 1 {
		if count == 0 && solRaw != 0 {
			return TransferParser{}.Parse(tx, wallet)
		}
		return domain.WalletActivity{}, false
	}

	activity := domain.WalletActivity{
		Wallet:       wallet,
		Signature:    tx.Signature,
		TokenAddress: mint,
		SolAmount:    lamportsToSOL(solRaw),
		TokenAmount:  math.Abs(token.UI()),
		ObservedAt:   tx.BlockTime,
	}
	switch {
	case solRaw < 0 && token.Raw > 0:
		activity.Type = domain.ActivityBuy
	case solRaw > 0 && token.Raw < 0:
		activity.Type = domain.ActivitySell
	default:
		return domain.WalletActivity{}, false
	}
	return activity, true
}

func lamportsToSOL(raw int64) float64 {
	return math.Abs(float64(raw)) / lamportsPerSOL
}
