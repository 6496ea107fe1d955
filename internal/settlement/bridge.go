// Package settlement drives escrow transactions on the ledger and keeps the
// off-chain payment record in step with them.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/auth"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/escrow"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
)

const (
	OutcomeSuccess        = "success"
	OutcomeAlreadyApplied = "already_applied"
	OutcomePending        = "pending"
	OutcomeRejected       = "rejected"
	OutcomePrecondition   = "precondition_failed"
	OutcomeUnavailable    = "unavailable"
	OutcomeError          = "error"
)

// Metrics is the subset of bridge metrics the bridge reports.
type Metrics interface {
	ObserveOperation(operation, outcome string)
	IncInflightRejected(operation string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, string) {}
func (noopMetrics) IncInflightRejected(string)      {}

// PaymentReader finds the payment behind an escrow.
type PaymentReader interface {
	GetByJobID(ctx context.Context, jobID string) (*payment.Payment, error)
	GetByEscrowID(ctx context.Context, escrowID uint64) (*payment.Payment, error)
}

// Result is what every state-changing bridge operation returns. Pending
// means the transaction was broadcast but not confirmed in time; the
// reconciler picks it up once it lands.
type Result struct {
	EscrowID       uint64           `json:"escrow_id,omitempty"`
	TxHash         string           `json:"tx_hash,omitempty"`
	Status         string           `json:"status"`
	Pending        bool             `json:"pending"`
	AlreadyApplied bool             `json:"already_applied"`
	Payment        *payment.Payment `json:"payment,omitempty"`
}

// EscrowView is the ledger snapshot of an escrow with its mirrored payment.
type EscrowView struct {
	Escrow  *escrow.Escrow   `json:"escrow"`
	Payment *payment.Payment `json:"payment,omitempty"`
}

type Bridge struct {
	client   ledger.Client
	gate     *auth.Gate
	payments PaymentReader
	mirror   *payment.Mirror
	inflight InFlight
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewBridge(client ledger.Client, gate *auth.Gate, payments PaymentReader, mirror *payment.Mirror, inflight InFlight, metrics Metrics, logger *slog.Logger) *Bridge {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if inflight == nil {
		inflight = NewMemoryInFlight(0)
	}
	return &Bridge{
		client:   client,
		gate:     gate,
		payments: payments,
		mirror:   mirror,
		inflight: inflight,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Status reports whether escrow settlement is currently enabled.
func (b *Bridge) Status() internal.FeatureState {
	return internal.FeatureState{Feature: "escrow", Enabled: b.client.Connected()}
}

func (b *Bridge) available() error {
	if !b.client.Connected() {
		return internal.ErrServiceUnavailable
	}
	return nil
}

// CreateEscrow locks dto.Amount for the job's worker. A payment already
// marked for escrow but never linked is replayed: the ledger is asked first
// whether the earlier attempt landed.
func (b *Bridge) CreateEscrow(ctx context.Context, actor *internal.Actor, dto *CreateEscrowDTO) (res *Result, err error) {
	defer func() { b.observe(ledger.OpCreateEscrow, res, err) }()

	if err := dto.Validate(); err != nil {
		return nil, err
	}

	grant, err := b.gate.AuthorizeCreate(ctx, actor, dto.JobID, dto.WorkerID)
	if err != nil {
		return nil, err
	}
	if grant.Job.IsClosed() {
		return nil, internal.NewPreconditionError(fmt.Sprintf("job is %s", grant.Job.Status))
	}
	if err := b.available(); err != nil {
		return nil, err
	}

	value, err := escrow.ToWei(dto.Amount)
	if err != nil {
		return nil, internal.NewValidationFieldError("amount", err.Error(), internal.ErrCodeInvalidAmount)
	}

	existing, err := b.payments.GetByJobID(ctx, dto.JobID)
	switch {
	case errors.Is(err, internal.ErrPaymentNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load payment for job %s: %w", dto.JobID, err)
	case existing.UseBlockchain && existing.HasEscrow():
		return nil, internal.ErrDuplicateEscrow
	case !existing.UseBlockchain && existing.Status == payment.StatusPaid:
		return nil, internal.ErrDuplicatePayment.WithMessage("job was already paid outside escrow")
	}

	call := ledger.CreateEscrowCall(dto.JobID, grant.Employer, grant.Worker, value)
	token, err := b.acquire(ctx, call)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			b.release(call, token)
		}
	}()

	escrowID, found, err := b.client.EscrowIDByJob(ctx, dto.JobID)
	if err != nil {
		return nil, b.ledgerError(err, call)
	}

	p := existing
	if p == nil {
		p = &payment.Payment{
			JobID:      dto.JobID,
			EmployerID: grant.Job.EmployerID,
		}
	}
	p.WorkerID = dto.WorkerID
	p.Amount = dto.Amount
	p, err = b.mirror.Begin(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment for job %s: %w", dto.JobID, err)
	}

	if found {
		b.logger.Info("escrow already exists on ledger, adopting it",
			"job_id", dto.JobID,
			"escrow_id", escrowID,
			"payment_id", p.ID)
		observed := b.now()
		snap, err := b.client.GetEscrow(ctx, escrowID)
		if err != nil {
			return nil, b.ledgerError(err, call)
		}
		return b.alreadyApplied(ctx, p, snap, observed)
	}

	hash, err := b.client.Submit(ctx, call)
	if err != nil {
		if _, reverted := ledger.PreconditionReason(err); reverted {
			if abandonErr := b.mirror.Abandon(context.WithoutCancel(ctx), p.ID); abandonErr != nil {
				b.logger.Error("failed to release payment back to the manual path",
					"error", abandonErr,
					"payment_id", p.ID,
					"job_id", dto.JobID)
			}
		}
		return nil, b.ledgerError(err, call)
	}

	receipt, pending, err := b.confirm(ctx, p, call, hash)
	if err != nil {
		return nil, err
	}
	if pending {
		keep = true
		b.park(ctx, call, token, noEscrow)
		return &Result{TxHash: hash.Hex(), Status: p.BlockchainStatus, Pending: true, Payment: p}, nil
	}

	ev, err := ledger.FindEvent(call.Op, 0, receipt.Events)
	if err != nil {
		return nil, b.ledgerError(err, call)
	}
	created, ok := ev.(ledger.EscrowCreated)
	if !ok || created.JobID != dto.JobID {
		return nil, internal.ErrProtocolMismatch.WithMessage(
			fmt.Sprintf("createEscrow receipt %s does not describe job %s", hash.Hex(), dto.JobID))
	}

	return b.record(ctx, p, call, payment.EscrowState{
		EscrowID: created.EscrowID,
		Status:   payment.BlockchainStatusFunded,
		TxHash:   hash.Hex(),
	})
}

// ConfirmCompletion is the worker's confirmation that the job is done.
func (b *Bridge) ConfirmCompletion(ctx context.Context, actor *internal.Actor, escrowID uint64) (*Result, error) {
	return b.transition(ctx, escrowID, step{
		op:     ledger.OpConfirmCompletion,
		target: escrow.StatusCompleted,
		authorize: func(ctx context.Context, parties auth.Parties) (common.Address, error) {
			return b.gate.AuthorizeConfirm(ctx, actor, parties)
		},
		call: func(caller common.Address) ledger.Call {
			return ledger.ConfirmCompletionCall(escrowID, caller)
		},
	})
}

// ReleasePayment pays the worker. The payment becomes paid and the worker's
// earnings are credited once, by the payment's gross amount.
func (b *Bridge) ReleasePayment(ctx context.Context, actor *internal.Actor, escrowID uint64) (*Result, error) {
	return b.transition(ctx, escrowID, step{
		op:     ledger.OpReleasePayment,
		target: escrow.StatusReleased,
		authorize: func(ctx context.Context, parties auth.Parties) (common.Address, error) {
			return b.gate.AuthorizeRelease(ctx, actor, parties)
		},
		call: func(caller common.Address) ledger.Call {
			return ledger.ReleasePaymentCall(escrowID, caller)
		},
	})
}

func (b *Bridge) RaiseDispute(ctx context.Context, actor *internal.Actor, escrowID uint64, dto *DisputeDTO) (*Result, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}
	return b.transition(ctx, escrowID, step{
		op:     ledger.OpRaiseDispute,
		target: escrow.StatusDisputed,
		reason: dto.Reason,
		authorize: func(ctx context.Context, parties auth.Parties) (common.Address, error) {
			return b.gate.AuthorizeDispute(ctx, actor, parties)
		},
		call: func(caller common.Address) ledger.Call {
			return ledger.RaiseDisputeCall(escrowID, caller, dto.Reason)
		},
	})
}

// ResolveDispute settles a disputed escrow for the worker (released) or the
// employer (refunded). Only admins may resolve.
func (b *Bridge) ResolveDispute(ctx context.Context, actor *internal.Actor, escrowID uint64, dto *ResolveDTO) (*Result, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}
	releaseToWorker := *dto.ReleaseToWorker
	target := escrow.StatusRefunded
	if releaseToWorker {
		target = escrow.StatusReleased
	}
	return b.transition(ctx, escrowID, step{
		op:     ledger.OpResolveDispute,
		target: target,
		authorize: func(_ context.Context, _ auth.Parties) (common.Address, error) {
			return common.Address{}, b.gate.AuthorizeResolve(actor)
		},
		call: func(common.Address) ledger.Call {
			return ledger.ResolveDisputeCall(escrowID, releaseToWorker)
		},
		applied: func(snap *escrow.Escrow) bool {
			return snap.Disputed && snap.Status == target
		},
	})
}

// GetEscrow reads the escrow from the ledger and repairs the local mirror
// on the way. A failed repair is logged; the snapshot is still returned.
func (b *Bridge) GetEscrow(ctx context.Context, actor *internal.Actor, escrowID uint64) (*EscrowView, error) {
	if actor == nil {
		return nil, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken)
	}
	if err := b.available(); err != nil {
		return nil, err
	}

	observed := b.now()
	snap, err := b.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, ledger.AsAppError(err)
	}
	view := &EscrowView{Escrow: snap}

	p, err := b.paymentFor(ctx, snap)
	if err != nil {
		b.logger.Warn("escrow read without a usable payment", "error", err, "escrow_id", escrowID)
		return view, nil
	}
	if p == nil {
		return view, nil
	}

	applied, err := b.mirror.Apply(ctx, p, stateOf(snap, observed), events.SourceReconciler)
	if err != nil {
		b.logger.Error("failed to reconcile payment on read", "error", err, "escrow_id", escrowID, "payment_id", p.ID)
		view.Payment = p
		return view, nil
	}
	view.Payment = applied.Payment
	return view, nil
}

// step describes one post-creation transition.
type step struct {
	op        ledger.Operation
	target    escrow.Status
	reason    string
	authorize func(ctx context.Context, parties auth.Parties) (common.Address, error)
	call      func(caller common.Address) ledger.Call
	// applied reports whether the snapshot already shows the transition.
	// Defaults to a plain status comparison.
	applied func(snap *escrow.Escrow) bool
}

func (b *Bridge) transition(ctx context.Context, escrowID uint64, s step) (res *Result, err error) {
	defer func() { b.observe(s.op, res, err) }()

	if err := b.available(); err != nil {
		return nil, err
	}

	observed := b.now()
	snap, err := b.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, ledger.AsAppError(err)
	}
	p, err := b.paymentFor(ctx, snap)
	if err != nil {
		return nil, err
	}

	caller, err := s.authorize(ctx, auth.PartiesOf(p, snap))
	if err != nil {
		b.logger.Warn("escrow operation refused",
			"operation", s.op,
			"escrow_id", escrowID,
			"error", err)
		return nil, err
	}

	applied := s.applied
	if applied == nil {
		applied = func(snap *escrow.Escrow) bool { return snap.Status == s.target }
	}
	if applied(snap) {
		return b.alreadyApplied(ctx, p, snap, observed)
	}

	call := s.call(caller)
	token, err := b.acquire(ctx, call)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			b.release(call, token)
		}
	}()

	hash, err := b.client.Submit(ctx, call)
	if err != nil {
		return nil, b.ledgerError(err, call)
	}

	receipt, pending, err := b.confirm(ctx, p, call, hash)
	if err != nil {
		return nil, err
	}
	if pending {
		keep = true
		b.park(ctx, call, token, snap.Status.String())
		return &Result{
			EscrowID: escrowID,
			TxHash:   hash.Hex(),
			Status:   payment.FromEscrowStatus(snap.Status),
			Pending:  true,
			Payment:  p,
		}, nil
	}

	if _, err := ledger.FindEvent(call.Op, escrowID, receipt.Events); err != nil {
		return nil, b.ledgerError(err, call)
	}

	return b.record(ctx, p, call, payment.EscrowState{
		EscrowID:      escrowID,
		Status:        payment.FromEscrowStatus(s.target),
		TxHash:        hash.Hex(),
		DisputeReason: s.reason,
	})
}

// confirm records the broadcast hash and waits for the receipt. It reports
// pending instead of failing when the window elapses or the caller goes
// away, since the transaction may still land.
func (b *Bridge) confirm(ctx context.Context, p *payment.Payment, call ledger.Call, hash common.Hash) (*ledger.Receipt, bool, error) {
	if p != nil {
		if err := b.mirror.RecordSubmission(context.WithoutCancel(ctx), p.ID, hash.Hex()); err != nil {
			b.logger.Error("failed to record submitted transaction",
				"error", err,
				"payment_id", p.ID,
				"tx_hash", hash.Hex())
		}
	}

	receipt, err := b.client.AwaitConfirmation(ctx, call, hash)
	if errors.Is(err, ledger.ErrConfirmationPending) || (err != nil && ctx.Err() != nil) {
		b.logger.Info("escrow transaction pending confirmation",
			"operation", call.Op,
			"escrow_id", call.EscrowID,
			"job_id", call.JobID,
			"tx_hash", hash.Hex())
		return nil, true, nil
	}
	if err != nil {
		return nil, false, b.ledgerError(err, call)
	}
	return receipt, false, nil
}

// record mirrors a confirmed transition. The ledger has already moved, so
// the write is not bound to the caller's context.
func (b *Bridge) record(ctx context.Context, p *payment.Payment, call ledger.Call, state payment.EscrowState) (*Result, error) {
	res := &Result{EscrowID: state.EscrowID, TxHash: state.TxHash, Status: state.Status}
	if p == nil {
		b.logger.Warn("confirmed escrow transition has no payment to mirror",
			"operation", call.Op,
			"escrow_id", state.EscrowID)
		return res, nil
	}

	state.ObservedAt = b.now().UTC()
	applied, err := b.mirror.Apply(context.WithoutCancel(ctx), p, state, events.SourceBridge)
	if err != nil {
		b.logger.Error("confirmed escrow transition not mirrored",
			"error", err,
			"operation", call.Op,
			"escrow_id", state.EscrowID,
			"payment_id", p.ID)
		return nil, err
	}
	res.Payment = applied.Payment
	return res, nil
}

// alreadyApplied answers a request the ledger already satisfies, without a
// submission, and brings the mirror up to date. observed is when the snapshot
// read started.
func (b *Bridge) alreadyApplied(ctx context.Context, p *payment.Payment, snap *escrow.Escrow, observed time.Time) (*Result, error) {
	res := &Result{
		EscrowID:       snap.ID,
		Status:         payment.FromEscrowStatus(snap.Status),
		AlreadyApplied: true,
	}
	if p == nil {
		return res, nil
	}
	applied, err := b.mirror.Apply(ctx, p, stateOf(snap, observed), events.SourceReconciler)
	if err != nil {
		return nil, err
	}
	res.Payment = applied.Payment
	if applied.Payment.BlockchainTxHash != nil {
		res.TxHash = *applied.Payment.BlockchainTxHash
	}
	return res, nil
}

// paymentFor finds the payment an escrow settles. Escrows created outside
// the bridge have none; that is not an error.
func (b *Bridge) paymentFor(ctx context.Context, snap *escrow.Escrow) (*payment.Payment, error) {
	p, err := b.payments.GetByEscrowID(ctx, snap.ID)
	if errors.Is(err, internal.ErrPaymentNotFound) {
		p, err = b.payments.GetByJobID(ctx, snap.JobID)
	}
	if errors.Is(err, internal.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment for escrow %d: %w", snap.ID, err)
	}
	if p.JobID != snap.JobID || (p.HasEscrow() && *p.EscrowID != snap.ID) {
		return nil, internal.ErrProtocolMismatch.WithMessage(
			fmt.Sprintf("escrow %d for job %s does not match payment %d", snap.ID, snap.JobID, p.ID))
	}
	return p, nil
}

func (b *Bridge) acquire(ctx context.Context, call ledger.Call) (string, error) {
	token, err := b.inflight.Acquire(ctx, call.IdempotencyKey())
	if errors.Is(err, internal.ErrOperationInProgress) && b.reclaim(ctx, call) {
		token, err = b.inflight.Acquire(ctx, call.IdempotencyKey())
	}
	if errors.Is(err, internal.ErrOperationInProgress) {
		b.metrics.IncInflightRejected(string(call.Op))
		return "", err
	}
	if err != nil {
		return "", internal.NewInternalError("failed to mark operation in flight", err)
	}
	return token, nil
}

// noEscrow is the parked source state of a pending creation.
const noEscrow = "none"

// park leaves the marker of an unconfirmed transaction behind, noting the
// escrow status it moves away from.
func (b *Bridge) park(ctx context.Context, call ledger.Call, token, from string) {
	if err := b.inflight.Park(context.WithoutCancel(ctx), call.IdempotencyKey(), token, from); err != nil {
		b.logger.Warn("failed to park in-flight marker", "error", err, "key", call.IdempotencyKey())
	}
}

// reclaim frees a parked marker once the ledger shows its transaction
// landed. It reports whether the key was freed.
func (b *Bridge) reclaim(ctx context.Context, call ledger.Call) bool {
	key := call.IdempotencyKey()
	token, from, ok, err := b.inflight.Parked(ctx, key)
	if err != nil {
		b.logger.Warn("failed to read parked in-flight marker", "error", err, "key", key)
		return false
	}
	if !ok {
		return false
	}

	landed, err := b.landed(ctx, call, from)
	if err != nil {
		b.logger.Warn("failed to check parked transaction", "error", err, "key", key)
		return false
	}
	if !landed {
		return false
	}

	b.logger.Info("parked escrow transaction landed, freeing its marker", "key", key, "from", from)
	b.release(call, token)
	return true
}

func (b *Bridge) landed(ctx context.Context, call ledger.Call, from string) (bool, error) {
	if call.Op == ledger.OpCreateEscrow {
		_, found, err := b.client.EscrowIDByJob(ctx, call.JobID)
		return found, err
	}
	snap, err := b.client.GetEscrow(ctx, call.EscrowID)
	if err != nil {
		return false, err
	}
	return snap.Status.String() != from, nil
}

func (b *Bridge) release(call ledger.Call, token string) {
	if err := b.inflight.Release(context.Background(), call.IdempotencyKey(), token); err != nil {
		b.logger.Warn("failed to clear in-flight marker", "error", err, "key", call.IdempotencyKey())
	}
}

func (b *Bridge) ledgerError(err error, call ledger.Call) error {
	b.logger.Error("ledger call failed",
		"error", err,
		"operation", call.Op,
		"escrow_id", call.EscrowID,
		"job_id", call.JobID)
	return ledger.AsAppError(err)
}

func (b *Bridge) observe(op ledger.Operation, res *Result, err error) {
	b.metrics.ObserveOperation(string(op), outcomeOf(res, err))
}

func outcomeOf(res *Result, err error) string {
	if err == nil {
		switch {
		case res != nil && res.Pending:
			return OutcomePending
		case res != nil && res.AlreadyApplied:
			return OutcomeAlreadyApplied
		}
		return OutcomeSuccess
	}
	appErr, ok := internal.IsAppError(err)
	if !ok {
		return OutcomeError
	}
	switch appErr.Type {
	case internal.ErrorTypePrecondition:
		return OutcomePrecondition
	case internal.ErrorTypeUnavailable:
		return OutcomeUnavailable
	case internal.ErrorTypeValidation, internal.ErrorTypeForbidden, internal.ErrorTypeUnauthorized, internal.ErrorTypeConflict, internal.ErrorTypeNotFound:
		return OutcomeRejected
	}
	return OutcomeError
}

func stateOf(snap *escrow.Escrow, now time.Time) payment.EscrowState {
	return payment.EscrowState{
		EscrowID:      snap.ID,
		Status:        payment.FromEscrowStatus(snap.Status),
		DisputeReason: snap.DisputeReason,
		ObservedAt:    now.UTC(),
	}
}
