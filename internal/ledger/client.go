// Package ledger submits escrow contract transactions, waits for their
// confirmation and decodes the outcome into typed events.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

// Receipt is a mined, successful transaction and its decoded events.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Events      []Event
}

// Reader is the read-only half of Client.
type Reader interface {
	GetEscrow(ctx context.Context, escrowID uint64) (*escrow.Escrow, error)
	EscrowIDByJob(ctx context.Context, jobID string) (uint64, bool, error)
	PlatformFeeBps(ctx context.Context) (uint64, error)
}

// Client is the ledger transaction client used by the settlement bridge.
type Client interface {
	Reader

	// Submit signs and broadcasts call. A revert detected before broadcast is
	// a precondition failure and nothing is sent.
	Submit(ctx context.Context, call Call) (common.Hash, error)
	// AwaitConfirmation blocks until txHash is mined or the confirmation
	// window elapses, in which case ErrConfirmationPending is returned.
	AwaitConfirmation(ctx context.Context, call Call, txHash common.Hash) (*Receipt, error)

	// Operator is the account that signs and relays every call.
	Operator() common.Address

	Connect(ctx context.Context) error
	Connected() bool
	Close()
}

// Observer receives per-call RPC timings.
type Observer interface {
	ObserveRPC(method string, seconds float64, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveRPC(string, float64, error) {}

func bigToUint64(v *big.Int) (uint64, bool) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

var (
	_ Client = (*RPCClient)(nil)
	_ Client = (*SimulatedClient)(nil)
)
