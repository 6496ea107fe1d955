// Package ledgertest provides a ledger.Client wrapper that counts calls and
// injects faults.
package ledgertest

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
)

// Recorder wraps a ledger.Client. Fault fields apply to every call until
// cleared.
type Recorder struct {
	Inner ledger.Client

	mu     sync.Mutex
	counts map[string]int
	calls  []ledger.Call

	// SubmitErr is returned by Submit without reaching Inner.
	SubmitErr error
	// ReadErr is returned by every read without reaching Inner.
	ReadErr error
	// PendingConfirmations makes the next n AwaitConfirmation calls report
	// ErrConfirmationPending even though the transaction landed.
	PendingConfirmations int
	// Offline makes the client report itself as disconnected.
	Offline bool
	// BeforeAwait, when set, runs before AwaitConfirmation delegates.
	BeforeAwait func(call ledger.Call)
}

func NewRecorder(inner ledger.Client) *Recorder {
	return &Recorder{Inner: inner, counts: make(map[string]int)}
}

func (r *Recorder) record(method string) {
	r.mu.Lock()
	r.counts[method]++
	r.mu.Unlock()
}

// Count reports how many times method was invoked.
func (r *Recorder) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[method]
}

// lifecycle methods never reach the contract and are left out of Total.
var lifecycle = map[string]bool{
	"Connect":   true,
	"Close":     true,
	"Connected": true,
	"Operator":  true,
}

// Total is the number of contract reads and submissions that reached the
// ledger.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for m, n := range r.counts {
		if lifecycle[m] {
			continue
		}
		total += n
	}
	return total
}

// Submitted returns the calls that were passed to Submit.
func (r *Recorder) Submitted() []ledger.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Recorder) Submit(ctx context.Context, call ledger.Call) (common.Hash, error) {
	r.record("Submit")
	r.mu.Lock()
	r.calls = append(r.calls, call)
	err := r.SubmitErr
	offline := r.Offline
	r.mu.Unlock()
	if offline {
		return common.Hash{}, ledger.ErrNotConnected
	}
	if err != nil {
		return common.Hash{}, err
	}
	return r.Inner.Submit(ctx, call)
}

func (r *Recorder) AwaitConfirmation(ctx context.Context, call ledger.Call, txHash common.Hash) (*ledger.Receipt, error) {
	r.record("AwaitConfirmation")
	if r.BeforeAwait != nil {
		r.BeforeAwait(call)
	}
	r.mu.Lock()
	pending := r.PendingConfirmations > 0
	if pending {
		r.PendingConfirmations--
	}
	r.mu.Unlock()
	if pending {
		return nil, ledger.ErrConfirmationPending
	}
	return r.Inner.AwaitConfirmation(ctx, call, txHash)
}

func (r *Recorder) GetEscrow(ctx context.Context, escrowID uint64) (*escrow.Escrow, error) {
	r.record("GetEscrow")
	if err := r.readErr(); err != nil {
		return nil, err
	}
	return r.Inner.GetEscrow(ctx, escrowID)
}

func (r *Recorder) EscrowIDByJob(ctx context.Context, jobID string) (uint64, bool, error) {
	r.record("EscrowIDByJob")
	if err := r.readErr(); err != nil {
		return 0, false, err
	}
	return r.Inner.EscrowIDByJob(ctx, jobID)
}

func (r *Recorder) PlatformFeeBps(ctx context.Context) (uint64, error) {
	r.record("PlatformFeeBps")
	if err := r.readErr(); err != nil {
		return 0, err
	}
	return r.Inner.PlatformFeeBps(ctx)
}

func (r *Recorder) readErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Offline {
		return ledger.ErrNotConnected
	}
	return r.ReadErr
}

func (r *Recorder) Operator() common.Address {
	r.record("Operator")
	return r.Inner.Operator()
}

func (r *Recorder) Connect(ctx context.Context) error {
	r.record("Connect")
	return r.Inner.Connect(ctx)
}

func (r *Recorder) Connected() bool {
	r.record("Connected")
	r.mu.Lock()
	offline := r.Offline
	r.mu.Unlock()
	return !offline && r.Inner.Connected()
}

func (r *Recorder) Close() {
	r.record("Close")
	r.Inner.Close()
}

// SetOffline toggles the disconnected state.
func (r *Recorder) SetOffline(offline bool) {
	r.mu.Lock()
	r.Offline = offline
	r.mu.Unlock()
}

var _ ledger.Client = (*Recorder)(nil)
