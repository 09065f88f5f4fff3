package chainfeed

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/blockchain/solbc"
	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Feed delivers signature notifications for a wallet until ctx ends.
type Feed interface {
	Watch(ctx context.Context, wallet string, handle func(Notification)) error
}

// TxFetcher loads a confirmed transaction.
type TxFetcher interface {
	GetParsedTransaction(ctx context.Context, sig solana.Signature) (*solbc.ParsedTransaction, error)
}

// ActivitySource resolves feed notifications into parsed wallet activity.
type ActivitySource struct {
	feed       Feed
	fetcher    TxFetcher
	parser     TradeParser
	logger     *zap.Logger
	fetchTries uint
	retryDelay time.Duration
	now        func() time.Time
}

func NewActivitySource(feed Feed, fetcher TxFetcher, parser TradeParser, logger *zap.Logger) *ActivitySource {
	if parser == nil {
		parser = TransferParser{}
	}
	return &ActivitySource{
		feed:       feed,
		fetcher:    fetcher,
		parser:     parser,
		logger:     logger.Named("activity"),
		fetchTries: 4,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
	}
}

// Watch calls handle for every recognized activity of wallet, in the order
// the feed reported the signatures. It blocks until ctx is cancelled.
func (s *ActivitySource) Watch(ctx context.Context, wallet string, handle func(domain.WalletActivity)) error {
	return s.feed.Watch(ctx, wallet, func(n Notification) {
		if n.Failed {
			return
		}
		activity, ok := s.resolve(ctx, n)
		if !ok {
			return
		}
		handle(activity)
	})
}

func (s *ActivitySource) resolve(ctx context.Context, n Notification) (domain.WalletActivity, bool) {
	log := s.logger.With(zap.String("wallet", n.Wallet), zap.String("signature", n.Signature))

	sig, err := solana.SignatureFromBase58(n.Signature)
	if err != nil {
		log.Debug("Invalid signature in notification", zap.Error(err))
		return domain.WalletActivity{}, false
	}

	// транзакция может быть ещё не доступна через RPC сразу после уведомления
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryDelay
	tx, err := backoff.Retry(ctx, func() (*solbc.ParsedTransaction, error) {
		return s.fetcher.GetParsedTransaction(ctx, sig)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.fetchTries))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("Failed to fetch transaction", zap.Error(err))
		}
		return domain.WalletActivity{}, false
	}

	activity, ok := s.parser.Parse(tx, n.Wallet)
	if !ok {
		log.Debug("Transaction not recognized")
		return domain.WalletActivity{}, false
	}
	if activity.ObservedAt.IsZero() {
		activity.ObservedAt = s.now()
	}
	return activity, true
}
