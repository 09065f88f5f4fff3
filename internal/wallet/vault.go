package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
)

// VaultConfig describes where owner keys live in a KV v2 engine.
type VaultConfig struct {
	Addr       string
	Token      string
	Mount      string
	PathPrefix string
}

// VaultKeyring reads owner keys from Vault and caches decoded wallets.
// The secret at <mount>/data/<prefix>/<owner> must carry a private_key field.
type VaultKeyring struct {
	client *api.Client
	cfg    VaultConfig

	mu    sync.RWMutex
	cache map[string]*Wallet
}

func NewVaultKeyring(cfg VaultConfig) (*VaultKeyring, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Addr

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	return &VaultKeyring{
		client: client,
		cfg:    cfg,
		cache:  make(map[string]*Wallet),
	}, nil
}

func (v *VaultKeyring) secretPath(ownerID string) string {
	prefix := strings.Trim(v.cfg.PathPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/data/%s", v.cfg.Mount, ownerID)
	}
	return fmt.Sprintf("%s/data/%s/%s", v.cfg.Mount, prefix, ownerID)
}

func (v *VaultKeyring) Wallet(ctx context.Context, ownerID string) (*Wallet, error) {
	v.mu.RLock()
	if w, ok := v.cache[ownerID]; ok {
		v.mu.RUnlock()
		return w, nil
	}
	v.mu.RUnlock()

	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath(ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to read key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for %s", ownerID)
	}
	key, _ := data["private_key"].(string)
	if key == "" {
		return nil, fmt.Errorf("%w: %s has no private_key", ErrUnknownOwner, ownerID)
	}

	w, err := NewWallet(ownerID, key)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[ownerID] = w
	v.mu.Unlock()
	return w, nil
}
