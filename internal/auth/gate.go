package auth

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	"github.com/frahmantamala/escrow-settlement/internal/user"
)

type UserLookup interface {
	GetByID(ctx context.Context, userID int64) (*user.User, error)
}

type JobLookup interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// Gate decides who may drive an escrow and which ledger address the
// operator acts for on their behalf.
type Gate struct {
	users UserLookup
	jobs  JobLookup
}

func NewGate(users UserLookup, jobs JobLookup) *Gate {
	return &Gate{users: users, jobs: jobs}
}

// CreateGrant is everything escrow creation needs once authorized.
type CreateGrant struct {
	Job      *job.Job
	WorkerID int64
	Employer common.Address
	Worker   common.Address
}

// Parties identifies who is on record for an escrow. User ids come from the
// payment record and are zero when the escrow was created outside the
// bridge; addresses come from the ledger.
type Parties struct {
	EmployerID int64
	WorkerID   int64
	Employer   common.Address
	Worker     common.Address
}

func PartiesOf(p *payment.Payment, e *escrow.Escrow) Parties {
	var parties Parties
	if p != nil {
		parties.EmployerID = p.EmployerID
		parties.WorkerID = p.WorkerID
	}
	if e != nil {
		parties.Employer = e.Employer
		parties.Worker = e.Worker
	}
	return parties
}

// AuthorizeCreate checks the actor owns the job and that both parties have
// a wallet. It never touches the ledger.
func (g *Gate) AuthorizeCreate(ctx context.Context, actor *internal.Actor, jobID string, workerID int64) (*CreateGrant, error) {
	if actor == nil {
		return nil, internal.ErrUnauthorizedActor
	}

	j, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.IsOwnedBy(actor.UserID) {
		return nil, internal.ErrUnauthorizedActor.WithMessage("only the job's employer can create its escrow")
	}
	if j.WorkerID != nil && *j.WorkerID != workerID {
		return nil, internal.NewValidationFieldError("worker_id", "worker is not assigned to this job", internal.ErrCodeValidationFailed)
	}

	worker, err := g.users.GetByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	workerAddr, ok := worker.Wallet()
	if !ok {
		return nil, internal.ErrMissingWalletAddress
	}

	employer, err := g.users.GetByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	employerAddr, ok := employer.Wallet()
	if !ok {
		return nil, internal.ErrMissingWalletAddress.WithMessage("employer has no registered wallet address")
	}

	return &CreateGrant{
		Job:      j,
		WorkerID: workerID,
		Employer: employerAddr,
		Worker:   workerAddr,
	}, nil
}

// AuthorizeConfirm allows only the worker on record.
func (g *Gate) AuthorizeConfirm(ctx context.Context, actor *internal.Actor, parties Parties) (common.Address, error) {
	ok, err := g.is(ctx, actor, parties.WorkerID, parties.Worker)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, internal.ErrUnauthorizedActor.WithMessage("only the worker on record can confirm completion")
	}
	return parties.Worker, nil
}

// AuthorizeRelease allows only the employer on record.
func (g *Gate) AuthorizeRelease(ctx context.Context, actor *internal.Actor, parties Parties) (common.Address, error) {
	ok, err := g.is(ctx, actor, parties.EmployerID, parties.Employer)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, internal.ErrUnauthorizedActor.WithMessage("only the employer on record can release payment")
	}
	return parties.Employer, nil
}

// AuthorizeDispute allows either party and nobody else.
func (g *Gate) AuthorizeDispute(ctx context.Context, actor *internal.Actor, parties Parties) (common.Address, error) {
	ok, err := g.is(ctx, actor, parties.EmployerID, parties.Employer)
	if err != nil {
		return common.Address{}, err
	}
	if ok {
		return parties.Employer, nil
	}

	ok, err = g.is(ctx, actor, parties.WorkerID, parties.Worker)
	if err != nil {
		return common.Address{}, err
	}
	if ok {
		return parties.Worker, nil
	}
	return common.Address{}, internal.ErrUnauthorizedActor.WithMessage("only the employer or worker can raise a dispute")
}

// AuthorizeResolve is restricted to the admin role.
func (g *Gate) AuthorizeResolve(actor *internal.Actor) error {
	if !actor.IsAdmin() {
		return internal.ErrUnauthorizedActor.WithMessage("only an admin can resolve disputes")
	}
	return nil
}

// is matches the actor against a party by user id when it is on record,
// otherwise by registered wallet.
func (g *Gate) is(ctx context.Context, actor *internal.Actor, userID int64, addr common.Address) (bool, error) {
	if actor == nil {
		return false, nil
	}
	if userID != 0 {
		return actor.UserID == userID, nil
	}
	if addr == (common.Address{}) {
		return false, nil
	}

	u, err := g.users.GetByID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, internal.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	wallet, ok := u.Wallet()
	return ok && wallet == addr, nil
}
