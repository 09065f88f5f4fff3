// ==================================
// File: internal/wallet/wallet.go
// ==================================
package wallet

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ErrUnknownOwner – для владельца не найден ключ.
var ErrUnknownOwner = errors.New("no signing key for owner")

// Wallet представляет кошелёк Solana, привязанный к владельцу.
type Wallet struct {
	OwnerID    string
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// NewWallet создаёт новый кошелёк из base58-encoded приватного ключа.
func NewWallet(ownerID, privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(strings.TrimSpace(privateKeyBase58))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(privateKeyBytes) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(privateKeyBytes))
	}
	privateKey := solana.PrivateKey(privateKeyBytes)
	return &Wallet{
		OwnerID:    ownerID,
		PrivateKey: privateKey,
		PublicKey:  privateKey.PublicKey(),
	}, nil
}

// SignTransaction подписывает транзакцию с помощью приватного ключа кошелька.
func (w *Wallet) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.PublicKey) {
			return &w.PrivateKey
		}
		return nil
	})
	return err
}

// Address – публичный ключ в base58.
func (w *Wallet) Address() string {
	return w.PublicKey.String()
}

// String возвращает строковое представление кошелька (его публичный ключ).
func (w *Wallet) String() string {
	return w.PublicKey.String()
}

// Keyring выдаёт кошелёк владельца.
type Keyring interface {
	Wallet(ctx context.Context, ownerID string) (*Wallet, error)
}

// FileKeyring – ключи из CSV файла, загружаются один раз при старте.
type FileKeyring struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// LoadWallets загружает кошельки из CSV-файла с колонками: [OwnerID, PrivateKeyBase58].
// Первая строка – заголовок. Строки с неверным ключом пропускаются и
// возвращаются в списке skipped.
func LoadWallets(path string) (*FileKeyring, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("CSV file is empty or missing data")
	}

	kr := NewFileKeyring()
	var skipped []string
	for i, record := range records[1:] {
		if len(record) != 2 {
			skipped = append(skipped, fmt.Sprintf("row %d", i+2))
			continue
		}
		w, err := NewWallet(record[0], record[1])
		if err != nil {
			skipped = append(skipped, record[0])
			continue
		}
		kr.Add(w)
	}
	return kr, skipped, nil
}

func NewFileKeyring() *FileKeyring {
	return &FileKeyring{wallets: make(map[string]*Wallet)}
}

// Add регистрирует кошелёк под его OwnerID.
func (k *FileKeyring) Add(w *Wallet) {
	k.mu.Lock()
	k.wallets[w.OwnerID] = w
	k.mu.Unlock()
}

func (k *FileKeyring) Wallet(_ context.Context, ownerID string) (*Wallet, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	w, ok := k.wallets[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	return w, nil
}

// Owners – список владельцев с ключами.
func (k *FileKeyring) Owners() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.wallets))
	for id := range k.wallets {
		out = append(out, id)
	}
	return out
}

// ChainKeyring опрашивает keyring'и по очереди, пока один не вернёт ключ.
type ChainKeyring []Keyring

func (c ChainKeyring) Wallet(ctx context.Context, ownerID string) (*Wallet, error) {
	var errs []error
	for _, k := range c {
		w, err := k.Wallet(ctx, ownerID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, ErrUnknownOwner) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
}
