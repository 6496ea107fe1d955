package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Operation string

const (
	OpCreateEscrow      Operation = "createEscrow"
	OpConfirmCompletion Operation = "confirmCompletion"
	OpReleasePayment    Operation = "releasePayment"
	OpRaiseDispute      Operation = "raiseDispute"
	OpResolveDispute    Operation = "resolveDispute"
)

// Call is one state-changing contract invocation.
type Call struct {
	Op       Operation
	EscrowID uint64
	JobID    string
	Employer common.Address
	Worker   common.Address
	// Caller is the party the operator acts for.
	Caller          common.Address
	Value           *big.Int
	Reason          string
	ReleaseToWorker bool
}

func CreateEscrowCall(jobID string, employer, worker common.Address, value *big.Int) Call {
	return Call{Op: OpCreateEscrow, JobID: jobID, Employer: employer, Worker: worker, Value: value}
}

func ConfirmCompletionCall(escrowID uint64, caller common.Address) Call {
	return Call{Op: OpConfirmCompletion, EscrowID: escrowID, Caller: caller}
}

func ReleasePaymentCall(escrowID uint64, caller common.Address) Call {
	return Call{Op: OpReleasePayment, EscrowID: escrowID, Caller: caller}
}

func RaiseDisputeCall(escrowID uint64, caller common.Address, reason string) Call {
	return Call{Op: OpRaiseDispute, EscrowID: escrowID, Caller: caller, Reason: reason}
}

func ResolveDisputeCall(escrowID uint64, releaseToWorker bool) Call {
	return Call{Op: OpResolveDispute, EscrowID: escrowID, ReleaseToWorker: releaseToWorker}
}

func (c Call) Validate() error {
	switch c.Op {
	case OpCreateEscrow:
		if c.JobID == "" {
			return errors.New("ledger: createEscrow requires a job id")
		}
		if c.Worker == (common.Address{}) {
			return errors.New("ledger: createEscrow requires a worker address")
		}
		if c.Value == nil {
			return errors.New("ledger: createEscrow requires a value")
		}
	case OpConfirmCompletion, OpReleasePayment, OpRaiseDispute:
		if c.EscrowID == 0 {
			return fmt.Errorf("ledger: %s requires an escrow id", c.Op)
		}
		if c.Caller == (common.Address{}) {
			return fmt.Errorf("ledger: %s requires a caller", c.Op)
		}
	case OpResolveDispute:
		if c.EscrowID == 0 {
			return errors.New("ledger: resolveDispute requires an escrow id")
		}
	default:
		return fmt.Errorf("ledger: unknown operation %q", c.Op)
	}
	return nil
}

// IdempotencyKey identifies the intended transition. Creation is keyed by
// job so a resent request maps onto the escrow it already produced.
func (c Call) IdempotencyKey() string {
	if c.Op == OpCreateEscrow {
		return "job:" + c.JobID
	}
	return fmt.Sprintf("escrow:%d", c.EscrowID)
}

// args returns the ABI arguments in declaration order.
func (c Call) args() []interface{} {
	id := new(big.Int).SetUint64(c.EscrowID)
	switch c.Op {
	case OpCreateEscrow:
		return []interface{}{c.JobID, c.Employer, c.Worker}
	case OpConfirmCompletion, OpReleasePayment:
		return []interface{}{id, c.Caller}
	case OpRaiseDispute:
		return []interface{}{id, c.Caller, c.Reason}
	case OpResolveDispute:
		return []interface{}{id, c.ReleaseToWorker}
	}
	return nil
}

func (c Call) value() *big.Int {
	if c.Op == OpCreateEscrow && c.Value != nil {
		return c.Value
	}
	return new(big.Int)
}
