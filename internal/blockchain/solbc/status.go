// internal/blockchain/solbc/status.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

var ErrConfirmationTimeout = errors.New("transaction confirmation timeout")

// TxState – состояние транзакции на цепочке.
type TxState string

const (
	TxUnknown   TxState = "unknown" // узел ещё не видел подпись
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFinalized TxState = "finalized"
	TxFailed    TxState = "failed"
)

// TxStatus – результат опроса подписи.
type TxStatus struct {
	Signature     solana.Signature
	State         TxState
	Slot          uint64
	Confirmations uint64
	Error         string
	CheckedAt     time.Time
}

// Landed – транзакция подтверждена и выполнилась без ошибки.
func (s TxStatus) Landed() bool {
	return s.State == TxConfirmed || s.State == TxFinalized
}

// SignatureStatus опрашивает статус одной подписи. searchHistory нужен при
// сверке старых подписей, которые уже вышли из кеша статусов узла.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (TxStatus, error) {
	response, err := c.GetSignatureStatuses(ctx, searchHistory, sig)
	if err != nil {
		return TxStatus{}, fmt.Errorf("failed to get transaction status: %w", err)
	}

	status := TxStatus{Signature: sig, State: TxUnknown, CheckedAt: time.Now()}
	if response == nil || len(response.Value) == 0 || response.Value[0] == nil {
		return status, nil
	}

	value := response.Value[0]
	status.Slot = value.Slot
	if value.Confirmations != nil {
		status.Confirmations = *value.Confirmations
	}

	switch value.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		status.State = TxFinalized
	case rpc.ConfirmationStatusConfirmed:
		status.State = TxConfirmed
	default:
		status.State = TxPending
	}

	if value.Err != nil {
		status.Error = fmt.Sprintf("%v", value.Err)
		status.State = TxFailed
	}
	return status, nil
}

// AwaitConfirmation опрашивает подпись каждые poll до подтверждения, ошибки
// исполнения или истечения timeout. По таймауту возвращает последний
// известный статус вместе с ErrConfirmationTimeout.
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, timeout, poll time.Duration) (TxStatus, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	last := TxStatus{Signature: sig, State: TxUnknown}
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrConfirmationTimeout
		case <-ticker.C:
			status, err := c.SignatureStatus(ctx, sig, false)
			if err != nil {
				c.logger.Warn("Confirmation check failed",
					zap.String("signature", sig.String()),
					zap.Error(err))
				continue
			}
			last = status
			if status.Landed() || status.State == TxFailed {
				return status, nil
			}
		}
	}
}
