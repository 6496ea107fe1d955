// Package escrow models the job escrow contract enforced by the ledger:
// its states, transition guards and fee arithmetic.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const bpsDenominator = 10000

var (
	ErrNonPositiveAmount = errors.New("escrow: locked value must be positive")
	ErrFeeOutOfRange     = errors.New("escrow: fee basis points must be below 10000")
)

// Escrow is a snapshot of one on-ledger escrow record.
type Escrow struct {
	ID               uint64         `json:"escrow_id"`
	JobID            string         `json:"job_id"`
	Employer         common.Address `json:"employer"`
	Worker           common.Address `json:"worker"`
	Amount           *big.Int       `json:"amount"`
	PlatformFee      *big.Int       `json:"platform_fee"`
	Status           Status         `json:"status"`
	WorkerConfirmed  bool           `json:"worker_confirmed"`
	EmployerApproved bool           `json:"employer_approved"`
	Disputed         bool           `json:"disputed"`
	DisputeReason    string         `json:"dispute_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
	ReleasedAt       time.Time      `json:"released_at,omitempty"`
}

// LockedValue is amount + platformFee, the value sent at creation.
func (e *Escrow) LockedValue() *big.Int {
	total := new(big.Int)
	if e.Amount != nil {
		total.Add(total, e.Amount)
	}
	if e.PlatformFee != nil {
		total.Add(total, e.PlatformFee)
	}
	return total
}

// Validate checks the snapshot's internal consistency.
func (e *Escrow) Validate() error {
	if e.ID == 0 {
		return errors.New("escrow: missing id")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", e.Status)
	}
	if e.Amount == nil || e.PlatformFee == nil {
		return errors.New("escrow: missing amount or fee")
	}
	if e.Amount.Sign() < 0 || e.PlatformFee.Sign() < 0 {
		return errors.New("escrow: negative amount or fee")
	}
	if e.Status == StatusCompleted && !e.WorkerConfirmed {
		return errors.New("escrow: completed without worker confirmation")
	}
	return nil
}

// Clone returns a deep copy so callers never share big.Int pointers.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	if e.PlatformFee != nil {
		cp.PlatformFee = new(big.Int).Set(e.PlatformFee)
	}
	return &cp
}

// SplitFee divides lockedValue into the worker's net amount and the
// platform fee. The fee is floor(lockedValue * feeBps / 10000).
func SplitFee(lockedValue *big.Int, feeBps uint64) (net, fee *big.Int, err error) {
	if lockedValue == nil || lockedValue.Sign() <= 0 {
		return nil, nil, ErrNonPositiveAmount
	}
	if feeBps >= bpsDenominator {
		return nil, nil, ErrFeeOutOfRange
	}
	fee = new(big.Int).Mul(lockedValue, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	net = new(big.Int).Sub(lockedValue, fee)
	return net, fee, nil
}
