package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

// SimulatedClient runs calls against an in-process escrow.Contract. Every
// accepted call is mined immediately; reverts surface from Submit the same
// way gas estimation reports them on a real node.
type SimulatedClient struct {
	contract *escrow.Contract
	operator common.Address
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	nonce     uint64
	block     uint64
	receipts  map[common.Hash]*Receipt
}

// NewSimulatedClient relays as the contract's admin account.
func NewSimulatedClient(contract *escrow.Contract, logger *slog.Logger) *SimulatedClient {
	return &SimulatedClient{
		contract: contract,
		operator: contract.Admin(),
		logger:   logger,
		receipts: make(map[common.Hash]*Receipt),
	}
}

func (s *SimulatedClient) Contract() *escrow.Contract { return s.contract }

func (s *SimulatedClient) Operator() common.Address { return s.operator }

func (s *SimulatedClient) Connect(context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.logger.Info("simulated ledger connected", "operator", s.operator.Hex(), "fee_bps", s.contract.FeeBps())
	return nil
}

func (s *SimulatedClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimulatedClient) Close() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *SimulatedClient) Submit(ctx context.Context, call Call) (common.Hash, error) {
	if err := call.Validate(); err != nil {
		return common.Hash{}, err
	}
	if !s.Connected() {
		return common.Hash{}, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	ev, err := s.execute(call)
	if err != nil {
		return common.Hash{}, Classify(string(call.Op), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	s.block++
	hash := s.txHash(call, s.nonce)
	s.receipts[hash] = &Receipt{TxHash: hash, BlockNumber: s.block, Events: []Event{ev}}
	return hash, nil
}

func (s *SimulatedClient) AwaitConfirmation(ctx context.Context, call Call, txHash common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	receipt, ok := s.receipts[txHash]
	s.mu.Unlock()
	if !ok {
		return nil, newError(KindNotFound, string(call.Op), "unknown transaction "+txHash.Hex(), nil)
	}
	if _, err := FindEvent(call.Op, call.EscrowID, receipt.Events); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *SimulatedClient) GetEscrow(ctx context.Context, escrowID uint64) (*escrow.Escrow, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	e, ok := s.contract.Get(escrowID)
	if !ok {
		return nil, newError(KindNotFound, "getEscrow", fmt.Sprintf("escrow %d does not exist", escrowID), nil)
	}
	return e, nil
}

func (s *SimulatedClient) EscrowIDByJob(ctx context.Context, jobID string) (uint64, bool, error) {
	if !s.Connected() {
		return 0, false, ErrNotConnected
	}
	id, ok := s.contract.EscrowIDByJob(jobID)
	return id, ok, nil
}

func (s *SimulatedClient) PlatformFeeBps(context.Context) (uint64, error) {
	return s.contract.FeeBps(), nil
}

func (s *SimulatedClient) execute(call Call) (Event, error) {
	switch call.Op {
	case OpCreateEscrow:
		e, err := s.contract.Create(call.JobID, call.Employer, call.Worker, call.Value)
		if err != nil {
			return nil, err
		}
		return EscrowCreated{EscrowID: e.ID, JobID: e.JobID, Employer: e.Employer, Worker: e.Worker, Amount: e.Amount, PlatformFee: e.PlatformFee}, nil
	case OpConfirmCompletion:
		e, err := s.contract.ConfirmCompletion(call.Caller, call.EscrowID)
		if err != nil {
			return nil, err
		}
		return WorkCompleted{EscrowID: e.ID, Worker: e.Worker}, nil
	case OpReleasePayment:
		e, err := s.contract.Release(call.Caller, call.EscrowID)
		if err != nil {
			return nil, err
		}
		return PaymentReleased{EscrowID: e.ID, Worker: e.Worker, Amount: e.Amount, PlatformFee: e.PlatformFee}, nil
	case OpRaiseDispute:
		e, err := s.contract.RaiseDispute(call.Caller, call.EscrowID, call.Reason)
		if err != nil {
			return nil, err
		}
		return DisputeRaised{EscrowID: e.ID, RaisedBy: call.Caller, Reason: call.Reason}, nil
	case OpResolveDispute:
		e, err := s.contract.ResolveDispute(s.operator, call.EscrowID, call.ReleaseToWorker)
		if err != nil {
			return nil, err
		}
		return DisputeResolved{EscrowID: e.ID, ReleaseToWorker: call.ReleaseToWorker, Amount: e.Amount}, nil
	}
	return nil, fmt.Errorf("ledger: unknown operation %q", call.Op)
}

func (s *SimulatedClient) txHash(call Call, nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash([]byte(call.Op), []byte(call.IdempotencyKey()), buf[:])
}
