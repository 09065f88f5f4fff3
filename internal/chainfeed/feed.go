// internal/chainfeed/feed.go
package chainfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// Notification is one transaction that mentioned a watched wallet.
type Notification struct {
	Wallet    string
	Signature string
	Slot      uint64
	Failed    bool
}

// Config of the websocket feed.
type Config struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	WriteTimeout      time.Duration
	// SubscribeTimeout bounds the wait for the subscription id.
	SubscribeTimeout time.Duration
	// DedupSize is how many recent signatures per wallet are remembered.
	DedupSize int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		DedupSize:         256,
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *uint64          `json:"id,omitempty"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
				Logs      []string        `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

// WSFeed subscribes to logsSubscribe{mentions:[wallet]} over a websocket.
// Each Watch call owns one connection and resubscribes after every reconnect.
type WSFeed struct {
	cfg       Config
	logger    *zap.Logger
	requestID atomic.Uint64
}

func NewWSFeed(cfg Config, logger *zap.Logger) *WSFeed {
	def := DefaultConfig(cfg.URL)
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	return &WSFeed{cfg: cfg, logger: logger.Named("chainfeed")}
}

// Watch delivers notifications for wallet to handle until ctx is cancelled.
// Delivery is in arrival order; a signature is delivered at most once per
// Watch call even when the node replays it after a reconnect.
func (f *WSFeed) Watch(ctx context.Context, wallet string, handle func(Notification)) error {
	log := f.logger.With(zap.String("wallet", wallet))
	seen := newRecent(f.cfg.DedupSize)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     f.cfg.ReconnectDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         f.cfg.MaxReconnectDelay,
	}
	b.Reset()

	for {
		err := f.session(ctx, wallet, seen, handle, b, log)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		log.Warn("🔌 Feed disconnected, reconnecting", zap.Duration("in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (f *WSFeed) session(ctx context.Context, wallet string, seen *recent, handle func(Notification),
	b *backoff.ExponentialBackOff, log *zap.Logger) error {
	conn, _, _, err := ws.Dial(ctx, f.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// закрываем соединение при отмене, чтобы разблокировать чтение
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	subID, err := f.subscribe(conn, wallet)
	if err != nil {
		return err
	}
	b.Reset()
	log.Info("📡 Watching wallet", zap.Int64("subscription", subID))

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if op != ws.OpText {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("Malformed message", zap.Error(err))
			continue
		}
		if msg.Method != "logsNotification" || msg.Params == nil {
			continue
		}

		value := msg.Params.Result.Value
		if value.Signature == "" || !seen.add(value.Signature) {
			continue
		}
		handle(Notification{
			Wallet:    wallet,
			Signature: value.Signature,
			Slot:      msg.Params.Result.Context.Slot,
			Failed:    len(value.Err) > 0 && string(value.Err) != "null",
		})
	}
}

func (f *WSFeed) subscribe(conn net.Conn, wallet string) (int64, error) {
	reqID := f.requestID.Add(1)
	payload, err := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string][]string{"mentions": {wallet}},
			map[string]string{"commitment": "confirmed"},
		},
	})
	if err != nil {
		return 0, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := wsutil.WriteClientText(conn, payload); err != nil {
		return 0, fmt.Errorf("write subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.SubscribeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return 0, fmt.Errorf("await subscription: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == nil || *msg.ID != reqID {
			continue
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("subscribe rejected: %d %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Result == nil {
			return 0, errors.New("subscribe: empty result")
		}
		var id int64
		if err := json.Unmarshal(*msg.Result, &id); err != nil {
			return 0, fmt.Errorf("subscribe: bad id: %w", err)
		}
		return id, nil
	}
}

// recent is a fixed-size set of the latest signatures.
type recent struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecent(size int) *recent {
	return &recent{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// add reports false when sig was already seen.
func (r *recent) add(sig string) bool {
	if _, ok := r.set[sig]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = sig
	r.next = (r.next + 1) % len(r.ring)
	r.set[sig] = struct{}{}
	return true
}
