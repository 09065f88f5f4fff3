package chainfeed

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// HistoryClient lists a wallet's signatures and loads the transactions.
type HistoryClient interface {
	TxFetcher
	RecentSignatures(ctx context.Context, account solana.PublicKey, limit int) ([]solbc.SignatureInfo, error)
}

// History reads the recent trades of a wallet straight from the chain.
type History struct {
	client      HistoryClient
	parser      TradeParser
	concurrency int
	logger      *zap.Logger
}

// NewHistory always parses with BalanceDeltaParser: history is only useful
// when buys and sells are told apart.
func NewHistory(client HistoryClient, logger *zap.Logger) *History {
	return &History{
		client:      client,
		parser:      BalanceDeltaParser{},
		concurrency: 4,
		logger:      logger.Named("history"),
	}
}

// Recent returns the recognized activity among the wallet's last limit
// transactions, newest first. Transactions that fail to load are skipped.
func (h *History) Recent(ctx context.Context, wallet string, limit int) ([]domain.WalletActivity, error) {
	account, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet %q: %w", wallet, err)
	}
	sigs, err := h.client.RecentSignatures(ctx, account, limit)
	if err != nil {
		return nil, err
	}

	parsed := make([]*domain.WalletActivity, len(sigs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, info := range sigs {
		if info.Failed {
			continue
		}
		g.Go(func() error {
			tx, err := h.client.GetParsedTransaction(gctx, info.Signature)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				h.logger.Debug("Skipping transaction",
					zap.String("signature", info.Signature.String()),
					zap.Error(err))
				return nil
			}
			activity, ok := h.parser.Parse(tx, wallet)
			if !ok {
				return nil
			}
			if activity.ObservedAt.IsZero() {
				activity.ObservedAt = info.BlockTime
			}
			parsed[i] = &activity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.WalletActivity, 0, len(parsed))
	for _, a := range parsed {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}
