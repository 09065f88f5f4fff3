package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func TestNewWallet(t *testing.T) {
	key := newKey(t)

	w, err := NewWallet("owner-1", key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), w.PublicKey)
	assert.Equal(t, key.PublicKey().String(), w.Address())

	_, err = NewWallet("owner-1", "not-base58-0OIl")
	assert.Error(t, err)

	_, err = NewWallet("owner-1", "3yZe7d")
	assert.ErrorContains(t, err, "invalid private key length")
}

func TestSignTransaction(t *testing.T) {
	key := newKey(t)
	w, err := NewWallet("owner-1", key.String())
	require.NoError(t, err)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
			{PublicKey: w.PublicKey, IsSigner: true, IsWritable: true},
		}, []byte{2, 0, 0, 0})},
		solana.Hash{1},
		solana.TransactionPayer(w.PublicKey),
	)
	require.NoError(t, err)

	require.NoError(t, w.SignTransaction(tx))
	require.Len(t, tx.Signatures, 1)
	assert.NoError(t, tx.VerifySignatures())
}

func TestLoadWallets(t *testing.T) {
	k1, k2 := newKey(t), newKey(t)
	path := filepath.Join(t.TempDir(), "wallets.csv")
	content := "owner,private_key\n" +
		"alice," + k1.String() + "\n" +
		"bob," + k2.String() + "\n" +
		"mallory,broken\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	kr, skipped, err := LoadWallets(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mallory"}, skipped)
	assert.ElementsMatch(t, []string{"alice", "bob"}, kr.Owners())

	w, err := kr.Wallet(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, k2.PublicKey(), w.PublicKey)

	_, err = kr.Wallet(context.Background(), "carol")
	assert.ErrorIs(t, err, ErrUnknownOwner)
}

func TestLoadWalletsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.csv")
	require.NoError(t, os.WriteFile(path, []byte("owner,private_key\n"), 0o600))

	_, _, err := LoadWallets(path)
	assert.Error(t, err)
}

func TestVaultKeyring(t *testing.T) {
	key := newKey(t)
	var reads int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		atomic.AddInt32(&reads, 1)

		if r.URL.Path != "/v1/secret/data/trader/wallets/alice" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]interface{}{"private_key": key.String()},
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	}))
	defer srv.Close()

	kr, err := NewVaultKeyring(VaultConfig{
		Addr:       srv.URL,
		Token:      "test-token",
		PathPrefix: "/trader/wallets/",
	})
	require.NoError(t, err)

	w, err := kr.Wallet(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), w.PublicKey)

	// второй запрос из кеша
	_, err = kr.Wallet(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads))

	_, err = kr.Wallet(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrUnknownOwner)
}

func TestChainKeyring(t *testing.T) {
	first := NewFileKeyring()
	second := NewFileKeyring()

	w, err := NewWallet("bob", newKey(t).String())
	require.NoError(t, err)
	second.Add(w)

	chain := ChainKeyring{first, second}
	got, err := chain.Wallet(context.Background(), "bob")
	require.NoError(t, err)
	assert.Same(t, w, got)

	_, err = chain.Wallet(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownOwner)
}
