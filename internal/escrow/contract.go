package escrow

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Revert reasons, matching the deployed contract's require messages.
const (
	ReasonAmountZero       = "Amount must be greater than 0"
	ReasonDuplicateJob     = "Escrow already exists for job"
	ReasonNotFound         = "Escrow does not exist"
	ReasonOnlyWorker       = "Only worker can confirm completion"
	ReasonOnlyEmployer     = "Only employer can release payment"
	ReasonOnlyParties      = "Only employer or worker can raise dispute"
	ReasonOnlyAdmin        = "Only admin can resolve disputes"
	ReasonNotFunded        = "Escrow is not funded"
	ReasonNotCompleted     = "Work not completed"
	ReasonAlreadyDisputed  = "Escrow already disputed"
	ReasonTerminal         = "Escrow is in a terminal state"
	ReasonNotDisputed      = "Escrow is not disputed"
	ReasonInvalidWorker    = "Invalid worker address"
	ReasonWorkerIsEmployer = "Worker cannot be employer"
)

// RevertError is a rejected state transition.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func revert(reason string) error {
	return &RevertError{Reason: reason}
}

// Contract is an in-process implementation of the escrow contract. It
// backs the simulated ledger and keeps balances of every payout so that
// fund movements can be asserted.
type Contract struct {
	mu       sync.Mutex
	admin    common.Address
	platform common.Address
	feeBps   uint64
	nextID   uint64
	escrows  map[uint64]*Escrow
	byJob    map[string]uint64
	balances map[common.Address]*big.Int
	now      func() time.Time
}

type ContractOption func(*Contract)

func WithContractClock(now func() time.Time) ContractOption {
	return func(c *Contract) {
		if now != nil {
			c.now = now
		}
	}
}

func NewContract(admin, platform common.Address, feeBps uint64, opts ...ContractOption) *Contract {
	c := &Contract{
		admin:    admin,
		platform: platform,
		feeBps:   feeBps,
		nextID:   1,
		escrows:  make(map[uint64]*Escrow),
		byJob:    make(map[string]uint64),
		balances: make(map[common.Address]*big.Int),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Contract) FeeBps() uint64 { return c.feeBps }

func (c *Contract) Admin() common.Address { return c.admin }

// Create locks value for jobID. Creation and funding are one step.
func (c *Contract) Create(jobID string, employer, worker common.Address, value *big.Int) (*Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil || value.Sign() <= 0 {
		return nil, revert(ReasonAmountZero)
	}
	if worker == (common.Address{}) {
		return nil, revert(ReasonInvalidWorker)
	}
	if worker == employer {
		return nil, revert(ReasonWorkerIsEmployer)
	}
	if _, exists := c.byJob[jobID]; exists {
		return nil, revert(ReasonDuplicateJob)
	}
	net, fee, err := SplitFee(value, c.feeBps)
	if err != nil {
		return nil, revert(err.Error())
	}

	id := c.nextID
	c.nextID++
	e := &Escrow{
		ID:          id,
		JobID:       jobID,
		Employer:    employer,
		Worker:      worker,
		Amount:      net,
		PlatformFee: fee,
		Status:      StatusFunded,
		CreatedAt:   c.now().UTC().Truncate(time.Second),
	}
	c.escrows[id] = e
	c.byJob[jobID] = id
	return e.Clone(), nil
}

func (c *Contract) ConfirmCompletion(caller common.Address, id uint64) (*Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.escrows[id]
	if !ok {
		return nil, revert(ReasonNotFound)
	}
	if caller != e.Worker {
		return nil, revert(ReasonOnlyWorker)
	}
	if e.Status != StatusFunded {
		return nil, revert(ReasonNotFunded)
	}
	e.Status = StatusCompleted
	e.WorkerConfirmed = true
	e.CompletedAt = c.now().UTC().Truncate(time.Second)
	return e.Clone(), nil
}

func (c *Contract) Release(caller common.Address, id uint64) (*Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.escrows[id]
	if !ok {
		return nil, revert(ReasonNotFound)
	}
	if caller != e.Employer {
		return nil, revert(ReasonOnlyEmployer)
	}
	if e.Status != StatusCompleted {
		return nil, revert(ReasonNotCompleted)
	}
	e.Status = StatusReleased
	e.EmployerApproved = true
	e.ReleasedAt = c.now().UTC().Truncate(time.Second)
	c.payout(e.Worker, e.Amount)
	c.payout(c.platform, e.PlatformFee)
	return e.Clone(), nil
}

func (c *Contract) RaiseDispute(caller common.Address, id uint64, reason string) (*Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.escrows[id]
	if !ok {
		return nil, revert(ReasonNotFound)
	}
	if caller != e.Employer && caller != e.Worker {
		return nil, revert(ReasonOnlyParties)
	}
	if e.Status == StatusDisputed {
		return nil, revert(ReasonAlreadyDisputed)
	}
	if e.Status.IsTerminal() {
		return nil, revert(ReasonTerminal)
	}
	e.Status = StatusDisputed
	e.Disputed = true
	e.DisputeReason = reason
	return e.Clone(), nil
}

func (c *Contract) ResolveDispute(caller common.Address, id uint64, releaseToWorker bool) (*Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return nil, revert(ReasonOnlyAdmin)
	}
	e, ok := c.escrows[id]
	if !ok {
		return nil, revert(ReasonNotFound)
	}
	if e.Status != StatusDisputed {
		return nil, revert(ReasonNotDisputed)
	}
	now := c.now().UTC().Truncate(time.Second)
	if releaseToWorker {
		e.Status = StatusReleased
		e.ReleasedAt = now
		c.payout(e.Worker, e.Amount)
		c.payout(c.platform, e.PlatformFee)
	} else {
		e.Status = StatusRefunded
		c.payout(e.Employer, e.LockedValue())
	}
	return e.Clone(), nil
}

func (c *Contract) Get(id uint64) (*Escrow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.escrows[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (c *Contract) EscrowIDByJob(jobID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byJob[jobID]
	return id, ok
}

// Balance is the total paid out to addr by this contract.
func (c *Contract) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (c *Contract) payout(to common.Address, amount *big.Int) {
	b, ok := c.balances[to]
	if !ok {
		b = new(big.Int)
		c.balances[to] = b
	}
	b.Add(b, amount)
}
