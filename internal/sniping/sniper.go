// internal/sniping/sniper.go
package sniping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
	"github.com/rovshanmuradov/solana-trader/internal/events"
	"github.com/rovshanmuradov/solana-trader/internal/executor"
	"github.com/rovshanmuradov/solana-trader/internal/ledger"
	"github.com/rovshanmuradov/solana-trader/internal/metrics"
	"github.com/rovshanmuradov/solana-trader/internal/trading"
)

const watcherKind = "snipe"

var (
	ErrNotFound = errors.New("snipe criteria not found")
	ErrNotOwner = errors.New("snipe criteria belongs to another owner")
)

// LaunchSource lists newly launched token addresses.
type LaunchSource interface {
	LatestTokens(ctx context.Context) ([]string, error)
}

// MarketSource gives liquidity and market cap.
type MarketSource interface {
	GetMarketData(ctx context.Context, tokenAddress string) (*domain.MarketData, error)
}

// ChainInfo resolves holders and supply of a mint.
type ChainInfo interface {
	HolderCount(ctx context.Context, mint solana.PublicKey) (int, error)
	MintSupply(ctx context.Context, mint solana.PublicKey) (float64, uint8, error)
}

// Buyer places the snipe buy.
type Buyer interface {
	Buy(ctx context.Context, req trading.BuyRequest) (trading.Result, error)
}

// Store persists criteria.
type Store interface {
	SaveCriteria(ctx context.Context, c *domain.SnipeCriteria) error
	ListCriteria(ctx context.Context, activeOnly bool) ([]*domain.SnipeCriteria, error)
}

type Config struct {
	Interval time.Duration
	// Workers bounds concurrent candidate lookups within one pass.
	Workers int
}

func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second, Workers: 4}
}

// Sniper evaluates launched tokens against every active criteria set.
type Sniper struct {
	cfg       Config
	store     Store
	launches  LaunchSource
	market    MarketSource
	chain     ChainInfo
	buyer     Buyer
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	criteria  map[string]*domain.SnipeCriteria
	attempted map[string]map[string]struct{} // criteria id -> tokens

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSniper(cfg Config, store Store, launches LaunchSource, market MarketSource, chain ChainInfo, buyer Buyer,
	publisher events.Publisher, m *metrics.Collector, logger *zap.Logger) *Sniper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
		logger.Warn("Invalid workers count in config, using default", zap.Int("workers", cfg.Workers))
	}
	return &Sniper{
		cfg:       cfg,
		store:     store,
		launches:  launches,
		market:    market,
		chain:     chain,
		buyer:     buyer,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("sniper"),
		now:       time.Now,
		criteria:  make(map[string]*domain.SnipeCriteria),
		attempted: make(map[string]map[string]struct{}),
	}
}

// Start loads active criteria and runs a pass every interval.
func (s *Sniper) Start(ctx context.Context) error {
	list, err := s.store.ListCriteria(ctx, true)
	if err != nil {
		return fmt.Errorf("list criteria: %w", err)
	}
	s.mu.Lock()
	for _, c := range list {
		s.put(c)
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)

	s.logger.Info("🎯 Sniper started",
		zap.Int("criteria", len(list)),
		zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Shutdown stops the pass loop and waits for a running pass.
func (s *Sniper) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		s.logger.Info("Sniper завершил работу")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetCriteria validates, stores and activates a criteria set. An existing ID
// is replaced and its attempted tokens are kept.
func (s *Sniper) SetCriteria(ctx context.Context, c domain.SnipeCriteria) (*domain.SnipeCriteria, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.IsActive = true
	c = c.Snapshot()

	if err := s.store.SaveCriteria(ctx, &c); err != nil {
		return nil, fmt.Errorf("save criteria: %w", err)
	}

	s.mu.Lock()
	s.put(&c)
	s.mu.Unlock()

	s.logger.Info("Snipe criteria set",
		zap.String("criteria_id", c.ID),
		zap.String("owner_id", c.OwnerID),
		zap.Float64("buy_amount", c.BuyAmount))
	out := c.Snapshot()
	return &out, nil
}

// Disable deactivates one criteria set, or all of the owner's when id is empty.
func (s *Sniper) Disable(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	var targets []*domain.SnipeCriteria
	for cid, c := range s.criteria {
		if id != "" && cid != id {
			continue
		}
		if c.OwnerID != ownerID {
			if id != "" {
				s.mu.Unlock()
				return ErrNotOwner
			}
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return ErrNotFound
	}
	for _, c := range targets {
		if err := s.deactivate(ctx, c.ID, "disabled"); err != nil {
			return err
		}
	}
	return nil
}

// Criteria returns snapshots of the owner's active criteria.
func (s *Sniper) Criteria(ownerID string) []domain.SnipeCriteria {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SnipeCriteria
	for _, c := range s.criteria {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// put stores a criteria set; s.mu must be held.
func (s *Sniper) put(c *domain.SnipeCriteria) {
	cp := c.Snapshot()
	if _, exists := s.criteria[cp.ID]; !exists {
		s.metrics.WatcherStarted(watcherKind)
	}
	s.criteria[cp.ID] = &cp
	if s.attempted[cp.ID] == nil {
		s.attempted[cp.ID] = make(map[string]struct{})
	}
}

func (s *Sniper) deactivate(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	c, ok := s.criteria[id]
	if ok {
		delete(s.criteria, id)
		delete(s.attempted, id)
		s.metrics.WatcherStopped(watcherKind)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	c.IsActive = false
	if err := s.store.SaveCriteria(context.WithoutCancel(ctx), c); err != nil {
		return fmt.Errorf("save criteria: %w", err)
	}
	s.logger.Info("Snipe criteria deactivated",
		zap.String("criteria_id", id),
		zap.String("owner_id", c.OwnerID),
		zap.String("reason", reason))
	return nil
}

func (s *Sniper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if bought := s.RunOnce(ctx); bought > 0 {
				s.logger.Info("🎯 Snipe pass finished", zap.Int("buys", bought))
			}
		}
	}
}

// RunOnce evaluates the latest launches against every active criteria set
// and returns the number of successful buys.
func (s *Sniper) RunOnce(ctx context.Context) int {
	byOwner := s.snapshotByOwner()
	if len(byOwner) == 0 {
		return 0
	}

	tokens, err := s.launches.LatestTokens(ctx)
	if err != nil {
		s.logger.Warn("Failed to list launches", zap.Error(err))
		return 0
	}
	candidates := s.resolve(ctx, tokens, needs(byOwner))
	if len(candidates) == 0 {
		return 0
	}

	var (
		mu     sync.Mutex
		bought int
	)
	g, gctx := errgroup.WithContext(ctx)
	for owner, list := range byOwner {
		owner, list := owner, list
		g.Go(func() error {
			if s.snipeForOwner(gctx, owner, list, candidates) {
				mu.Lock()
				bought++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return bought
}

// snipeForOwner walks candidates in launch order; for each, the first
// criteria set that accepts it places a buy and the others are not asked.
// The owner stops after one successful buy.
func (s *Sniper) snipeForOwner(ctx context.Context, owner string, list []domain.SnipeCriteria, candidates []Candidate) bool {
	log := s.logger.With(zap.String("owner_id", owner))

next:
	for _, cand := range candidates {
		for _, c := range list {
			if ctx.Err() != nil {
				return false
			}
			if !s.claim(c.ID, cand.Address) {
				continue
			}
			ok, reason := Evaluate(c, cand)
			if !ok {
				s.release(c.ID, cand.Address)
				log.Debug("Candidate rejected",
					zap.String("token", cand.Address),
					zap.String("criteria_id", c.ID),
					zap.String("reason", reason))
				continue
			}

			log.Info("🎯 Candidate accepted",
				zap.String("token", cand.Address),
				zap.String("criteria_id", c.ID),
				zap.Float64("liquidity", cand.Market.Liquidity),
				zap.Float64("market_cap", cand.Market.MarketCap),
				zap.Int("holders", cand.Holders))
			s.metrics.Trigger(watcherKind)

			res, err := s.buyer.Buy(ctx, trading.BuyRequest{
				Source:       domain.SourceSnipe,
				OwnerID:      owner,
				TokenAddress: cand.Address,
				SolAmount:    c.BuyAmount,
				Slippage:     c.MaxSlippage,
			})
			switch {
			case errors.Is(err, ledger.ErrBusy):
				// попробуем снова на следующем проходе
				s.release(c.ID, cand.Address)
				continue next
			case errors.Is(err, trading.ErrMaxPositions):
				s.release(c.ID, cand.Address)
				log.Debug("Max positions reached, pass ends for owner")
				return false
			case err != nil:
				log.Warn("Snipe buy not placed", zap.String("token", cand.Address), zap.Error(err))
				continue next
			}

			switch res.Outcome.Status {
			case domain.OutcomeSuccess, domain.OutcomeUnknown:
				// unknown may have landed: no second buy this pass
				return res.Outcome.Success()
			}
			if executor.Classify(res.Outcome.Err) == executor.KindInsufficientBalance {
				s.publish(events.AutomationDeactivatedEvent{
					BaseEvent: events.NewBase(events.AutomationDeactivated, owner),
					Kind:      watcherKind,
					EntityID:  c.ID,
					Reason:    res.Outcome.Error(),
				})
				if err := s.deactivate(ctx, c.ID, "insufficient balance"); err != nil {
					log.Warn("Failed to deactivate criteria", zap.Error(err))
				}
				return false
			}
			continue next
		}
	}
	return false
}

// claim marks token as attempted for a criteria set; false if it already was.
func (s *Sniper) claim(criteriaID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.attempted[criteriaID]
	if !ok {
		return false
	}
	if _, done := set[token]; done {
		return false
	}
	set[token] = struct{}{}
	return true
}

func (s *Sniper) release(criteriaID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.attempted[criteriaID]; ok {
		delete(set, token)
	}
}

func (s *Sniper) snapshotByOwner() map[string][]domain.SnipeCriteria {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]domain.SnipeCriteria)
	for _, c := range s.criteria {
		out[c.OwnerID] = append(out[c.OwnerID], c.Snapshot())
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return out
}

type lookups struct {
	holders bool
	supply  bool
}

func needs(byOwner map[string][]domain.SnipeCriteria) lookups {
	var l lookups
	for _, list := range byOwner {
		for _, c := range list {
			l.holders = l.holders || c.MinHolders > 0
			l.supply = l.supply || c.MaxSupply > 0
		}
	}
	return l
}

// resolve fetches market data and chain facts for each token concurrently.
// Tokens without market data are dropped; order follows the launch list.
func (s *Sniper) resolve(ctx context.Context, tokens []string, need lookups) []Candidate {
	slots := make([]*Candidate, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			cand, err := s.candidate(gctx, token, need)
			if err != nil {
				s.logger.Debug("Candidate skipped", zap.String("token", token), zap.Error(err))
				return nil
			}
			slots[i] = cand
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Candidate, 0, len(tokens))
	for _, c := range slots {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Sniper) candidate(ctx context.Context, token string, need lookups) (*Candidate, error) {
	md, err := s.market.GetMarketData(ctx, token)
	if err != nil {
		return nil, err
	}
	cand := &Candidate{
		TokenCandidate: domain.TokenCandidate{Address: token, DiscoveredAt: s.now()},
		Market:         *md,
	}
	if !need.holders && !need.supply {
		return cand, nil
	}

	mint, err := solana.PublicKeyFromBase58(token)
	if err != nil {
		return nil, fmt.Errorf("bad mint: %w", err)
	}
	if need.holders {
		if cand.Holders, err = s.chain.HolderCount(ctx, mint); err != nil {
			return nil, fmt.Errorf("holders: %w", err)
		}
	}
	if need.supply {
		if cand.Supply, _, err = s.chain.MintSupply(ctx, mint); err != nil {
			return nil, fmt.Errorf("supply: %w", err)
		}
	}
	return cand, nil
}

func (s *Sniper) publish(ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ev); err != nil {
		s.logger.Debug("Event not published", zap.String("type", string(ev.Type())), zap.Error(err))
	}
}
