// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// tokenAccountSize – размер SPL token аккаунта, по нему фильтруем держателей.
const tokenAccountSize = 165

// Определение ошибок
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoTokenAccount  = errors.New("no token account for mint")
)

// IsAccountNotFoundError проверяет, является ли ошибка "not found"
func IsAccountNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// Pacer ограничивает частоту запросов к RPC узлу.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Client – тонкий адаптер для взаимодействия с блокчейном Solana через solana-go.
type Client struct {
	rpc    *rpc.Client
	pacer  Pacer
	logger *zap.Logger
}

// NewClient создаёт новый клиент, принимая RPC URL и логгер через dependency injection.
// pacer может быть nil.
func NewClient(rpcURL string, pacer Pacer, logger *zap.Logger) *Client {
	return &Client{
		rpc:    rpc.New(rpcURL),
		pacer:  pacer,
		logger: logger.Named("solbc-client"),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.pacer == nil {
		return nil
	}
	return c.pacer.Wait(ctx)
}

// GetRecentBlockhash получает последний blockhash.
func (c *Client) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return solana.Hash{}, err
	}
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		c.logger.Error("GetRecentBlockhash error", zap.Error(err))
		return solana.Hash{}, err
	}
	return result.Value.Blockhash, nil
}

// SendTransaction отправляет подписанную транзакцию. Preflight оставляем включенным:
// ошибки симуляции (нехватка средств, устаревший blockhash) возвращаются сразу.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		c.logger.Error("SendTransaction error", zap.Error(err))
		return solana.Signature{}, err
	}
	return sig, nil
}

// GetBalance получает баланс аккаунта в лампортах.
func (c *Client) GetBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	result, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		c.logger.Error("GetBalance error", zap.Error(err))
		return 0, err
	}
	return result.Value, nil
}

// TokenBalance суммирует сырые балансы всех token аккаунтов владельца по mint.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, uint8, error) {
	if err := c.wait(ctx); err != nil {
		return 0, 0, err
	}
	accounts, err := c.rpc.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: mint.ToPointer()},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed, Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return 0, 0, fmt.Errorf("get token accounts: %w", err)
	}
	if accounts == nil || len(accounts.Value) == 0 {
		return 0, 0, ErrNoTokenAccount
	}

	var (
		total    uint64
		decimals uint8
	)
	for _, acc := range accounts.Value {
		bal, err := c.GetTokenAccountBalance(ctx, acc.Pubkey)
		if err != nil {
			return 0, 0, err
		}
		if bal == nil || bal.Value == nil {
			continue
		}
		raw, err := strconv.ParseUint(bal.Value.Amount, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse token amount %q: %w", bal.Value.Amount, err)
		}
		total += raw
		decimals = bal.Value.Decimals
	}
	return total, decimals, nil
}

// GetTokenAccountBalance получает баланс токенного аккаунта
func (c *Client) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (*rpc.GetTokenAccountBalanceResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.rpc.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
}

// MintSupply возвращает supply токена в целых единицах и количество знаков.
func (c *Client) MintSupply(ctx context.Context, mint solana.PublicKey) (float64, uint8, error) {
	if err := c.wait(ctx); err != nil {
		return 0, 0, err
	}
	res, err := c.rpc.GetTokenSupply(ctx, mint, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, 0, fmt.Errorf("get token supply: %w", err)
	}
	if res == nil || res.Value == nil {
		return 0, 0, ErrAccountNotFound
	}
	raw, err := strconv.ParseFloat(res.Value.Amount, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse supply %q: %w", res.Value.Amount, err)
	}
	return raw / pow10(res.Value.Decimals), res.Value.Decimals, nil
}

// MintDecimals – количество знаков после запятой у mint.
func (c *Client) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	_, decimals, err := c.MintSupply(ctx, mint)
	return decimals, err
}

// HolderCount считает token аккаунты mint'а с ненулевым балансом.
// Данные аккаунтов не скачиваем целиком: берём только 8 байт amount.
func (c *Client) HolderCount(ctx context.Context, mint solana.PublicKey) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}

	offset := uint64(64)
	length := uint64(8)
	opts := rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		DataSlice:  &rpc.DataSlice{Offset: &offset, Length: &length},
		Filters: []rpc.RPCFilter{
			{DataSize: tokenAccountSize},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: mint.Bytes()}},
		},
	}

	accounts, err := c.rpc.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &opts)
	if err != nil {
		c.logger.Debug("HolderCount error",
			zap.String("mint", mint.String()),
			zap.Error(err))
		return 0, err
	}

	holders := 0
	for _, acc := range accounts {
		if acc == nil || acc.Account == nil || acc.Account.Data == nil {
			continue
		}
		if nonZero(acc.Account.Data.GetBinary()) {
			holders++
		}
	}
	return holders, nil
}

// GetSignatureStatuses получает статусы транзакций.
func (c *Client) GetSignatureStatuses(ctx context.Context, searchHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.rpc.GetSignatureStatuses(ctx, searchHistory, signatures...)
	if err != nil {
		c.logger.Error("GetSignatureStatuses error", zap.Error(err))
		return nil, err
	}
	return result, nil
}

func nonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

func pow10(n uint8) float64 {
	out := 1.0
	for i := uint8(0); i < n; i++ {
		out *= 10
	}
	return out
}
