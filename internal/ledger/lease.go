// internal/ledger/lease.go
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusy is returned when the execution lease for an (owner, token) pair is held.
var ErrBusy = errors.New("execution lease busy")

// LeaseStore is the backing mutual exclusion primitive. Token identifies the
// holder: Refresh and Release are no-ops for a key held by another token.
type LeaseStore interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Lease is a held execution lock. It is refreshed in the background until
// Release is called, so long confirmations do not outlive the TTL.
type Lease struct {
	OwnerID      string
	TokenAddress string
	AcquiredAt   time.Time

	key    string
	token  string
	store  LeaseStore
	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func leaseKey(ownerID, tokenAddress string) string {
	return "lease:" + ownerID + ":" + tokenAddress
}

func newLease(store LeaseStore, ownerID, tokenAddress string, logger *zap.Logger) *Lease {
	return &Lease{
		OwnerID:      ownerID,
		TokenAddress: tokenAddress,
		key:          leaseKey(ownerID, tokenAddress),
		token:        uuid.NewString(),
		store:        store,
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (l *Lease) keepAlive(ttl time.Duration) {
	defer close(l.done)

	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.store.Refresh(ctx, l.key, l.token, ttl)
			cancel()
			if err != nil {
				l.logger.Warn("Lease refresh failed", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if !ok {
				l.logger.Warn("Lease lost before release", zap.String("key", l.key))
				return
			}
		}
	}
}

// Release stops the keep-alive and frees the lease. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.store.Release(ctx, l.key, l.token)
	})
	return err
}

// MemoryLeaseStore is a process-local LeaseStore with expiring entries.
type MemoryLeaseStore struct {
	mu      sync.Mutex
	entries map[string]memoryLease
	now     func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		entries: make(map[string]memoryLease),
		now:     time.Now,
	}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.entries[key]; ok && now.Before(cur.expires) {
		return false, nil
	}
	s.entries[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryLeaseStore) Refresh(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok || cur.token != token {
		return false, nil
	}
	cur.expires = s.now().Add(ttl)
	s.entries[key] = cur
	return true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur.token == token {
		delete(s.entries, key)
	}
	return nil
}
