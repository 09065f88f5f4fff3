// Package automation loads the optional YAML file with copy-trade follows,
// snipe criteria and price alerts and applies it at start.
package automation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rovshanmuradov/solana-trader/internal/domain"
)

// Kind names an automation section of the file.
type Kind string

const (
	KindFollow Kind = "follow"
	KindSnipe  Kind = "snipe"
	KindAlert  Kind = "alert"
)

// namespace for IDs derived from entry contents, so a restart re-applies the
// same entry under the same ID.
var namespace = uuid.MustParse("6f1c1b9e-8d2f-4c55-9a57-2f4b8a0de3c1")

// File is the YAML layout.
type File struct {
	Follows []FollowEntry `yaml:"follows"`
	Snipes  []SnipeEntry  `yaml:"snipes"`
	Alerts  []AlertEntry  `yaml:"alerts"`
}

type FollowEntry struct {
	ID             string   `yaml:"id"`
	Owner          string   `yaml:"owner"`
	Wallet         string   `yaml:"wallet"`
	CopyRatio      *float64 `yaml:"copy_ratio"`
	MaxAmount      *float64 `yaml:"max_amount_sol"`
	DelaySeconds   *int     `yaml:"delay_seconds"`
	OnlyBuys       bool     `yaml:"only_buys"`
	OnlySells      bool     `yaml:"only_sells"`
	MinTradeAmount *float64 `yaml:"min_trade_sol"`
}

type SnipeEntry struct {
	ID           string   `yaml:"id"`
	Owner        string   `yaml:"owner"`
	BuyAmount    float64  `yaml:"buy_amount_sol"`
	MaxSlippage  *float64 `yaml:"max_slippage"`
	MinLiquidity *float64 `yaml:"min_liquidity"`
	MaxMarketCap *float64 `yaml:"max_market_cap"`
	MinHolders   *int     `yaml:"min_holders"`
	MaxSupply    *float64 `yaml:"max_supply"`
	Blacklist    []string `yaml:"blacklist"`
	Whitelist    []string `yaml:"whitelist"`
}

type AlertEntry struct {
	ID        string  `yaml:"id"`
	Owner     string  `yaml:"owner"`
	Token     string  `yaml:"token"`
	Price     float64 `yaml:"price"`
	Condition string  `yaml:"condition"`
}

// Invalid describes a skipped entry.
type Invalid struct {
	Kind  Kind
	Index int
	Err   error
}

func (e Invalid) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.Kind, e.Index, e.Err)
}

// Plan is the validated content of the file.
type Plan struct {
	Follows []domain.CopyTradeSubscription
	Snipes  []domain.SnipeCriteria
	Alerts  []domain.PriceAlert
	Invalid []Invalid
}

// Empty reports whether nothing valid was loaded.
func (p *Plan) Empty() bool {
	return len(p.Follows)+len(p.Snipes)+len(p.Alerts) == 0
}

// Load reads and validates an automations file.
func Load(path string, logger *zap.Logger) (*Plan, error) {
	if filepath.IsAbs(path) {
		logger.Debug("Using absolute path for automations file", zap.String("path", path))
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML. Entries that fail validation are reported in
// Plan.Invalid with their index and left out.
func Parse(data []byte) (*Plan, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	plan := &Plan{}
	for i, e := range f.Follows {
		sub, err := e.subscription()
		if err != nil {
			plan.Invalid = append(plan.Invalid, Invalid{Kind: KindFollow, Index: i, Err: err})
			continue
		}
		plan.Follows = append(plan.Follows, sub)
	}
	for i, e := range f.Snipes {
		c, err := e.criteria()
		if err != nil {
			plan.Invalid = append(plan.Invalid, Invalid{Kind: KindSnipe, Index: i, Err: err})
			continue
		}
		plan.Snipes = append(plan.Snipes, c)
	}
	for i, e := range f.Alerts {
		a, err := e.alert()
		if err != nil {
			plan.Invalid = append(plan.Invalid, Invalid{Kind: KindAlert, Index: i, Err: err})
			continue
		}
		plan.Alerts = append(plan.Alerts, a)
	}
	return plan, nil
}

func (e FollowEntry) subscription() (domain.CopyTradeSubscription, error) {
	sub := domain.CopyTradeSubscription{
		ID:             e.ID,
		OwnerID:        e.Owner,
		TargetWallet:   e.Wallet,
		CopyRatio:      orFloat(e.CopyRatio, domain.DefaultCopyRatio),
		MaxAmount:      orFloat(e.MaxAmount, domain.DefaultCopyMaxAmount),
		DelaySeconds:   orInt(e.DelaySeconds, domain.DefaultCopyDelay),
		OnlyBuys:       e.OnlyBuys,
		OnlySells:      e.OnlySells,
		MinTradeAmount: orFloat(e.MinTradeAmount, domain.DefaultMinTradeAmount),
		IsActive:       true,
	}
	if err := sub.Validate(); err != nil {
		return sub, err
	}
	if sub.ID == "" {
		sub.ID = derivedID(KindFollow, sub.OwnerID, sub.TargetWallet)
	}
	return sub, nil
}

func (e SnipeEntry) criteria() (domain.SnipeCriteria, error) {
	c := domain.NewSnipeCriteria(e.Owner, e.BuyAmount)
	c.ID = e.ID
	c.MaxSlippage = orFloat(e.MaxSlippage, c.MaxSlippage)
	c.MinLiquidity = orFloat(e.MinLiquidity, c.MinLiquidity)
	c.MaxMarketCap = orFloat(e.MaxMarketCap, c.MaxMarketCap)
	c.MinHolders = orInt(e.MinHolders, c.MinHolders)
	c.MaxSupply = orFloat(e.MaxSupply, c.MaxSupply)
	c.Blacklist = domain.SetList(e.Blacklist)
	c.Whitelist = domain.SetList(e.Whitelist)
	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.ID == "" {
		c.ID = derivedID(KindSnipe, c.OwnerID, strconv.FormatFloat(c.BuyAmount, 'f', -1, 64))
	}
	return c, nil
}

func (e AlertEntry) alert() (domain.PriceAlert, error) {
	a := domain.PriceAlert{
		ID:           e.ID,
		OwnerID:      e.Owner,
		TokenAddress: e.Token,
		TargetPrice:  e.Price,
		Condition:    domain.AlertCondition(e.Condition),
	}
	switch {
	case a.OwnerID == "" || a.TokenAddress == "":
		return a, errors.New("owner and token are required")
	case a.TargetPrice <= 0:
		return a, errors.New("target price must be positive")
	case a.Condition != domain.AlertAbove && a.Condition != domain.AlertBelow:
		return a, fmt.Errorf("unknown alert condition %q", e.Condition)
	}
	if a.ID == "" {
		a.ID = derivedID(KindAlert, a.OwnerID, a.TokenAddress, string(a.Condition),
			strconv.FormatFloat(a.TargetPrice, 'f', -1, 64))
	}
	return a, nil
}

func derivedID(kind Kind, parts ...string) string {
	name := string(kind)
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

func orFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func orInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
